// Package store defines the persistence capability for chunks and the
// in-process store implementations that back the DPA: a volatile memory
// store and a two-tier composition over a durable store.
package store

import (
	"context"
	"errors"

	"github.com/i5heu/ouroboros-dpa/pkg/model"
)

// ErrNotFound is returned by Get for a key with no stored chunk. It is never
// defaulted to an empty chunk; callers decide whether a retry against
// another source makes sense.
var ErrNotFound = errors.New("store: chunk not found")

// ErrClosed is returned by Put on a store whose lifecycle has ended.
var ErrClosed = errors.New("store: store is closed")

// ChunkStore is a key/value persistence capability for chunks. Because
// storage is content-addressed, Put is idempotent: re-inserting an identical
// key has no observable effect. Implementations must tolerate concurrent
// Put and Get calls.
type ChunkStore interface {
	Put(ctx context.Context, chunk *model.Chunk) error
	Get(ctx context.Context, key model.Key) (*model.Chunk, error)
}

// Iterable is implemented by stores that can enumerate their chunks, which
// backup and sync tooling rely on.
type Iterable interface {
	ForEach(ctx context.Context, fn func(*model.Chunk) error) error
}
