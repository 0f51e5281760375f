// Package gradingsqs feeds judge results from an SQS queue into the event
// store.
package gradingsqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/programme-lv/submfeed/submevent"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Publisher is satisfied by *eventstore.Store.
type Publisher interface {
	Publish(ev *submevent.Event)
}

type Consumer struct {
	client   sqsAPI
	queueURL string
	pub      Publisher
	logger   *slog.Logger
	zstd     *zstd.Decoder
	evals    evalIndex

	waitSeconds int32
	maxMessages int32
	retry       backoff.BackOff
}

func NewConsumer(client sqsAPI, queueURL string, pub Publisher, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		pub:         pub,
		logger:      logger.With("component", "gradingsqs", "queue", queueURL),
		zstd:        dec,
		waitSeconds: 10,
		maxMessages: 10,
		retry:       retry,
	}, nil
}

// Run receives messages until ctx is cancelled. Each message is published and
// then deleted; messages that cannot be parsed are deleted as well so that
// they are not redelivered forever.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.zstd.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		output, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: c.maxMessages,
			WaitTimeSeconds:     c.waitSeconds,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			wait := c.retry.NextBackOff()
			c.logger.Error("failed to receive messages", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		c.retry.Reset()

		for _, msg := range output.Messages {
			c.handle(ctx, aws.ToString(msg.Body), aws.ToString(msg.ReceiptHandle))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, body string, handle string) {
	raw, err := c.decodeBody(body)
	if err == nil {
		var ev submevent.Event
		var ok bool
		ev, ok, err = toEvent(raw, &c.evals)
		if !ok && err == nil {
			c.logger.Debug("skipping judge message", "body_bytes", len(raw))
		}
		if ok {
			c.pub.Publish(&ev)
			c.logger.Debug("published judge event", "event_id", ev.EventID, "subject_id", ev.SubjectID)
		}
	}
	if err != nil {
		c.logger.Warn("dropping unparsable judge message", "error", err)
	}

	if handle == "" {
		return
	}
	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}
