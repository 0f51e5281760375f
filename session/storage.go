package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultStorageKey = "session-life-sync"

// KV is a shared key-value store that every peer can read and write.
type KV interface {
	// Get returns nil without error when the key is absent.
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// FileKV stores each key as a file in dir. Writes go through a temporary file
// and a rename so readers never see a partial value.
type FileKV struct {
	dir string
}

func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create kv dir: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, filepath.Base(key))
}

func (f *FileKV) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (f *FileKV) Set(key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, filepath.Base(key)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

// StorageBroadcaster is the fallback for peers that share nothing but a
// storage location. Post overwrites a single entry; listeners poll it and
// emit a message whenever its contents change. Messages posted faster than
// the poll interval may be coalesced into the latest one.
type StorageBroadcaster struct {
	kv       KV
	key      string
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ Broadcaster = (*StorageBroadcaster)(nil)

func NewStorageBroadcaster(kv KV, key string, interval time.Duration, log *slog.Logger) *StorageBroadcaster {
	if key == "" {
		key = DefaultStorageKey
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &StorageBroadcaster{kv: kv, key: key, interval: interval, log: log, done: make(chan struct{})}
}

func (b *StorageBroadcaster) Post(ctx context.Context, msg Message) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal session message: %w", err)
	}
	if err := b.kv.Set(b.key, payload); err != nil {
		return fmt.Errorf("failed to store session message: %w", err)
	}
	return nil
}

func (b *StorageBroadcaster) Listen(ctx context.Context) (<-chan Message, error) {
	if b.isClosed() {
		return nil, ErrBroadcasterClosed
	}
	// whatever is stored now predates this listener
	last, err := b.kv.Get(b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read session entry: %w", err)
	}

	out := make(chan Message, listenBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ticker.C:
			}

			cur, err := b.kv.Get(b.key)
			if err != nil {
				b.log.Debug("failed to poll session entry", "error", err)
				continue
			}
			if cur == nil || bytes.Equal(cur, last) {
				continue
			}
			last = cur

			var msg Message
			if err := json.Unmarshal(cur, &msg); err != nil {
				b.log.Warn("dropping malformed session entry", "error", err)
				continue
			}
			offer(out, msg)
		}
	}()
	return out, nil
}

func (b *StorageBroadcaster) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *StorageBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
