package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/programme-lv/submfeed/auth"
	"github.com/programme-lv/submfeed/conf"
	"github.com/programme-lv/submfeed/eventstore"
	"github.com/programme-lv/submfeed/evarchive"
	"github.com/programme-lv/submfeed/evsnapshot"
	"github.com/programme-lv/submfeed/gradingsqs"
	"github.com/programme-lv/submfeed/submhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg, err := conf.LoadServerConf(os.Getenv("SUBMFEED_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg conf.ServerConf, logger *slog.Logger) error {
	var awsCfg aws.Config
	var secrets *secretsmanager.Client
	if cfg.NeedsAWS() {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
		if err != nil {
			return err
		}
		secrets = secretsmanager.NewFromConfig(awsCfg)
	}

	var jwtKey []byte
	var err error
	if secrets != nil {
		jwtKey, err = cfg.ResolveJwtKey(ctx, secrets)
	} else {
		jwtKey, err = cfg.ResolveJwtKey(ctx, nil)
	}
	if err != nil {
		return err
	}
	issuer := auth.NewIssuer(jwtKey, cfg.AccessTTL.Duration, cfg.RefreshTTL.Duration)

	store := eventstore.New(
		eventstore.WithCapacity(cfg.RingCapacity),
		eventstore.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.SnapshotBucket != "" {
		repo := evsnapshot.NewS3SnapshotRepo(s3.NewFromConfig(awsCfg), cfg.SnapshotBucket, cfg.SnapshotKey)
		snap := evsnapshot.NewSnapshotter(store, repo, cfg.SnapshotMaxAge.Duration, logger)
		if _, err := snap.Restore(ctx); err != nil {
			logger.Warn("failed to restore ring snapshot", "error", err)
		}
		g.Go(func() error { return snap.Run(gctx, cfg.SnapshotInterval.Duration) })
	}

	opts := submhttp.Options{
		Heartbeat:   cfg.Heartbeat.Duration,
		CorsOrigins: cfg.CorsOrigins,
		Logger:      logger,
		AccessLog:   cfg.AccessLog,
		Env:         cfg.Env,
		Version:     cfg.Version,
	}

	if cfg.DynamoEventsTable != "" {
		table := evarchive.NewDynamoDbEventTable(dynamodb.NewFromConfig(awsCfg), cfg.DynamoEventsTable)
		archive := evarchive.New(table, evarchive.Options{TTL: cfg.ArchiveTTL.Duration, Logger: logger})
		unsubscribe := archive.Attach(store)
		defer unsubscribe()
		g.Go(func() error { return archive.Run(gctx) })
		opts.Archive = archive
	}

	if cfg.SqsResultsQueueURL != "" {
		consumer, err := gradingsqs.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.SqsResultsQueueURL, store, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: submhttp.NewServer(store, issuer, opts).Handler(),
		// open streams end when the server is told to stop
		BaseContext:       func(net.Listener) context.Context { return gctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting server", "address", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
