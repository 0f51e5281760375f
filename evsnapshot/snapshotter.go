package evsnapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/programme-lv/submfeed/eventstore"
)

type repo interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

// Snapshotter copies the ring of one store to and from a repo.
type Snapshotter struct {
	store  *eventstore.Store
	repo   repo
	maxAge time.Duration
	now    func() time.Time
	log    *slog.Logger

	lastPublished uint64
}

// NewSnapshotter creates a snapshotter. Snapshots older than maxAge are not
// restored; zero accepts any age.
func NewSnapshotter(store *eventstore.Store, r repo, maxAge time.Duration, log *slog.Logger) *Snapshotter {
	if log == nil {
		log = slog.Default()
	}
	return &Snapshotter{
		store:  store,
		repo:   r,
		maxAge: maxAge,
		now:    time.Now,
		log:    log.With("component", "evsnapshot"),
	}
}

// Restore loads the last snapshot into the store. It returns how many events
// were restored.
func (s *Snapshotter) Restore(ctx context.Context) (int, error) {
	snap, err := s.repo.Load(ctx)
	if err != nil {
		return 0, err
	}
	if snap == nil {
		s.log.Info("no ring snapshot found")
		return 0, nil
	}
	if s.maxAge > 0 && s.now().Sub(snap.SavedAt) > s.maxAge {
		s.log.Info("ignoring stale ring snapshot", "saved_at", snap.SavedAt)
		return 0, nil
	}
	s.store.Restore(snap.Events)
	n := s.store.Len()
	s.log.Info("restored ring snapshot", "events", n, "saved_at", snap.SavedAt)
	return n, nil
}

// Save writes the current ring.
func (s *Snapshotter) Save(ctx context.Context) error {
	events := s.store.Snapshot()
	if err := s.repo.Save(ctx, Snapshot{SavedAt: s.now().UTC(), Events: events}); err != nil {
		return fmt.Errorf("failed to save ring snapshot: %w", err)
	}
	s.lastPublished = s.store.Stats().Published
	return nil
}

// Run saves the ring every interval, skipping rounds in which nothing was
// published, and once more when ctx ends.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.Save(sctx)
		case <-ticker.C:
			if s.store.Stats().Published == s.lastPublished {
				continue
			}
			if err := s.Save(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}
