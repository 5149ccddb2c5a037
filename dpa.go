// Package dpa is a distributed preimage archive: it stores arbitrary byte
// streams as trees of fixed-size, content-addressed chunks and retrieves
// them by their root key. It composes the tree chunker with a two-tier chunk
// store (memory in front of badger); the network layer that fetches remote
// chunks is a separate collaborator and plugs in behind the same ChunkStore
// capability.
package dpa

import (
	"context"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-dpa/internal/keyValStore"
	"github.com/i5heu/ouroboros-dpa/pkg/chunker"
	"github.com/i5heu/ouroboros-dpa/pkg/model"
	"github.com/i5heu/ouroboros-dpa/pkg/store"
)

// DPA is the facade handle. It owns the chunker, the store tiers and their
// lifecycle.
type DPA struct {
	log    *slog.Logger
	config Config

	chunker *chunker.TreeChunker
	local   *store.LocalStore
	mem     *store.MemStore
	kv      *keyValStore.KeyValStore

	closeOnce sync.Once
	closeErr  error
}

// Config configures the archive instance. Only Paths[0] is used at the
// moment.
type Config struct {
	// Paths contains data directories for the durable tier.
	Paths []string
	// MinimumFreeGB is a free-space threshold for the durable tier.
	MinimumFreeGB uint
	// Branches is the maximum number of children per tree node. Zero selects
	// the default of 128.
	Branches int
	// Hash constructs the digest used for content addressing. Nil selects
	// SHA-256. The digest length determines the key length and, together
	// with Branches, the chunk size.
	Hash func() hash.Hash
	// Logger is an optional structured logger. If nil, a stderr logger is
	// used.
	Logger *slog.Logger
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON, different
// levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New builds the chunker and both store tiers and returns a ready handle.
// Callers must Close it to drain pending durable writes.
func New(conf Config) (*DPA, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}

	tc, err := chunker.NewTreeChunker(conf.Branches, conf.Hash)
	if err != nil {
		return nil, err
	}

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            conf.Paths,
		MinimumFreeSpace: int(conf.MinimumFreeGB),
		Logger:           logrus.New(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening durable chunk store: %w", err)
	}

	mem := store.NewMemStore()
	local := store.NewLocalStore(mem, kv, store.LocalStoreOptions{
		Logger: conf.Logger,
	})

	return &DPA{
		log:     conf.Logger,
		config:  conf,
		chunker: tc,
		local:   local,
		mem:     mem,
		kv:      kv,
	}, nil
}

// Store splits data into a chunk tree, persists every chunk, and returns the
// root key that addresses the whole input.
func (d *DPA) Store(ctx context.Context, data []byte) (model.Key, error) {
	return d.StoreSection(ctx, chunker.NewByteSection(data))
}

// StoreSection is Store for callers that already hold a SectionReader, e.g.
// over a file, so the input is never loaded into memory at once.
func (d *DPA) StoreSection(ctx context.Context, data chunker.SectionReader) (model.Key, error) {
	key, err := d.chunker.Split(ctx, data, func(c *model.Chunk) error {
		return d.local.Put(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("dpa store: %w", err)
	}
	d.log.Debug("stored content", "key", key.String(), "size", data.Size())
	return key, nil
}

// Read materializes the full content addressed by key. A chunk missing
// anywhere in the traversal fails the read.
func (d *DPA) Read(ctx context.Context, key model.Key) ([]byte, error) {
	reader, err := d.chunker.Join(ctx, d.local, key)
	if err != nil {
		return nil, fmt.Errorf("dpa read %s: %w", key, err)
	}
	data, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dpa read %s: %w", key, err)
	}
	return data, nil
}

// Reader returns a lazy reader over the content addressed by key. Chunks
// outside the ranges actually read are never fetched.
func (d *DPA) Reader(ctx context.Context, key model.Key) (*chunker.LazyChunkReader, error) {
	return d.chunker.Join(ctx, d.local, key)
}

// Chunker exposes the configured tree chunker, mainly for tooling that needs
// key or chunk sizes.
func (d *DPA) Chunker() *chunker.TreeChunker {
	return d.chunker
}

// DurableStore exposes the durable tier, mainly for backup tooling.
func (d *DPA) DurableStore() *keyValStore.KeyValStore {
	return d.kv
}

// Close drains the durable-forwarding queue and closes the durable tier.
func (d *DPA) Close() error {
	d.closeOnce.Do(func() {
		if err := d.local.Close(); err != nil {
			d.closeErr = err
		}
		if err := d.kv.Close(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
	})
	return d.closeErr
}
