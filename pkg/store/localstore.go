package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/i5heu/ouroboros-dpa/pkg/model"
)

const defaultForwardBuffer = 1024

// LocalStore composes a fast volatile tier and a durable tier into one
// ChunkStore. Put writes the volatile tier synchronously and forwards to the
// durable tier from a background goroutine, so callers never wait on durable
// latency. Get checks the volatile tier first and falls back to the durable
// tier on miss; the fallback does not repopulate the volatile tier, so a
// durable hit stays at durable latency on later lookups.
type LocalStore struct {
	volatile ChunkStore
	durable  ChunkStore
	log      *slog.Logger

	queue     chan *model.Chunk
	done      chan struct{}
	closeOnce sync.Once

	// mu guards closed so Put never races a Close into sending on the
	// closed queue.
	mu     sync.RWMutex
	closed bool
}

// LocalStoreOptions tunes the two-tier composition.
type LocalStoreOptions struct {
	// ForwardBuffer is the capacity of the durable-forwarding queue. Zero
	// selects a default. When the queue is full, Put blocks until the
	// durable writer catches up.
	ForwardBuffer int
	// Logger receives durable-tier write failures. Nil selects slog.Default.
	Logger *slog.Logger
}

// NewLocalStore composes the two tiers and starts the durable writer.
// Callers must Close the store to drain pending durable writes.
func NewLocalStore(volatile, durable ChunkStore, opts LocalStoreOptions) *LocalStore {
	if opts.ForwardBuffer <= 0 {
		opts.ForwardBuffer = defaultForwardBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ls := &LocalStore{
		volatile: volatile,
		durable:  durable,
		log:      opts.Logger,
		queue:    make(chan *model.Chunk, opts.ForwardBuffer),
		done:     make(chan struct{}),
	}
	go ls.forward()
	return ls
}

// forward drains the queue into the durable tier. A failed durable write is
// logged, not retried: entries are content-addressed, so re-running the
// original Put is always safe and equivalent.
func (ls *LocalStore) forward() {
	defer close(ls.done)
	for chunk := range ls.queue {
		// Deliberately not the caller's context: the caller finished its
		// Put when the volatile write returned.
		if err := ls.durable.Put(context.Background(), chunk); err != nil {
			ls.log.Error("durable tier put failed", "key", chunk.Key.String(), "error", err)
		}
	}
}

// Put writes the chunk to the volatile tier and queues it for the durable
// tier. After Close it returns ErrClosed.
func (ls *LocalStore) Put(ctx context.Context, chunk *model.Chunk) error {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if ls.closed {
		return ErrClosed
	}
	if err := ls.volatile.Put(ctx, chunk); err != nil {
		return err
	}
	select {
	case ls.queue <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get checks the volatile tier first, then the durable tier. A true miss in
// both tiers returns ErrNotFound.
func (ls *LocalStore) Get(ctx context.Context, key model.Key) (*model.Chunk, error) {
	chunk, err := ls.volatile.Get(ctx, key)
	if err == nil {
		return chunk, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return ls.durable.Get(ctx, key)
}

// Close stops accepting forwards and blocks until every queued chunk reached
// the durable tier. Get correctness never depends on Close; it only bounds
// the window in which a chunk exists in the volatile tier alone.
func (ls *LocalStore) Close() error {
	ls.closeOnce.Do(func() {
		ls.mu.Lock()
		ls.closed = true
		close(ls.queue)
		ls.mu.Unlock()
	})
	<-ls.done
	return nil
}
