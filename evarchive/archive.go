// Package evarchive keeps a durable per-submission history of every published
// event. The ring in eventstore only holds the most recent events; the
// archive answers "what happened to submission X" after they are evicted.
package evarchive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/programme-lv/submfeed/eventstore"
	"github.com/programme-lv/submfeed/submevent"
)

const (
	DefaultBuffer       = 1024
	DefaultWriteTimeout = 5 * time.Second
)

type Options struct {
	// TTL sets expires_at on archived rows; zero keeps them forever.
	TTL          time.Duration
	Buffer       int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Archive writes events asynchronously so that a slow table never blocks the
// bus fan-out. Events that do not fit into the buffer are dropped and counted.
type Archive struct {
	rows    rowStore
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger

	queue   chan submevent.Event
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(table *DynamoDbEventTable, opts Options) *Archive {
	return newArchive(table, opts)
}

func newArchive(rows rowStore, opts Options) *Archive {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Archive{
		rows:    rows,
		ttl:     opts.TTL,
		timeout: opts.WriteTimeout,
		log:     opts.Logger.With("component", "evarchive"),
		queue:   make(chan submevent.Event, opts.Buffer),
		stopped: make(chan struct{}),
	}
}

// Attach subscribes the archive to store and returns the unsubscribe func.
func (a *Archive) Attach(store *eventstore.Store) func() {
	return store.Subscribe(a.enqueue)
}

func (a *Archive) enqueue(ev submevent.Event) {
	select {
	case <-a.stopped:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.queue <- ev:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.log.Warn("archive buffer full, dropping events", "dropped_total", a.dropped.Load())
		}
	}
}

// Run writes queued events until ctx ends, then flushes what is already
// buffered.
func (a *Archive) Run(ctx context.Context) error {
	defer a.stopOnce.Do(func() { close(a.stopped) })
	for {
		select {
		case ev := <-a.queue:
			a.write(ctx, ev)
		case <-ctx.Done():
			a.stopOnce.Do(func() { close(a.stopped) })
			a.flush()
			return nil
		}
	}
}

func (a *Archive) flush() {
	for {
		select {
		case ev := <-a.queue:
			a.write(context.Background(), ev)
		default:
			return
		}
	}
}

func (a *Archive) write(ctx context.Context, ev submevent.Event) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	row, err := toRow(ev, a.ttl)
	if err != nil {
		a.failed.Add(1)
		a.log.Error("failed to convert event", "error", err, "event_id", ev.EventID)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.rows.Put(wctx, row); err != nil {
		a.failed.Add(1)
		a.log.Error("failed to archive event", "error", err, "event_id", ev.EventID)
		return
	}
	a.written.Add(1)
}

// History returns the archived events of one submission, oldest first.
// Rows whose payload no longer decodes are skipped.
func (a *Archive) History(ctx context.Context, subjectID string) ([]submevent.Event, error) {
	rows, err := a.rows.Query(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	events := make([]submevent.Event, 0, len(rows))
	for _, row := range rows {
		ev, ok := row.event()
		if !ok {
			a.log.Warn("skipping corrupt archive row", "subject_id", row.SubjectID, "sort_key", row.SortKey)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

type Stats struct {
	Written uint64
	Failed  uint64
	Dropped uint64
}

func (a *Archive) Stats() Stats {
	return Stats{
		Written: a.written.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
	}
}
