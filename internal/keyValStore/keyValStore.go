// Package keyValStore is the durable chunk tier, backed by badger. Values
// are the encoded chunk buffers themselves: the int64-LE size prefix is part
// of the chunk encoding, so nothing beyond the raw buffer needs to be
// persisted to reconstruct a chunk.
package keyValStore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-dpa/pkg/model"
	"github.com/i5heu/ouroboros-dpa/pkg/store"
)

var log *logrus.Logger

// StoreConfig configures the durable tier. Currently only Paths[0] is used.
type StoreConfig struct {
	Paths            []string
	MinimumFreeSpace int // in GB
	Logger           *logrus.Logger
}

// KeyValStore implements store.ChunkStore on top of badger.
type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

// NewKeyValStore validates the configured path and opens the badger
// database.
func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Paths[0], err)
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
	}, nil
}

// Put upserts the chunk under its key. Writing the same content-addressed
// key twice is a harmless overwrite with identical bytes.
func (k *KeyValStore) Put(_ context.Context, chunk *model.Chunk) error {
	if _, ok := model.SubtreeSize(chunk.Data); !ok {
		return fmt.Errorf("keyValStore: refusing to store chunk %s without size prefix", chunk.Key)
	}
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(chunk.Key, chunk.Data)
	})
	if err != nil {
		return fmt.Errorf("error writing chunk %s: %w", chunk.Key, err)
	}
	return nil
}

// Get returns the chunk stored under key, or store.ErrNotFound.
func (k *KeyValStore) Get(_ context.Context, key model.Key) (*model.Chunk, error) {
	atomic.AddUint64(&k.readCounter, 1)

	var data []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading chunk %s: %w", key, err)
	}

	size, ok := model.SubtreeSize(data)
	if !ok {
		return nil, fmt.Errorf("keyValStore: stored chunk %s has no size prefix", key)
	}
	return &model.Chunk{Key: key, Data: data, Size: size}, nil
}

// ForEach calls fn for every stored chunk.
func (k *KeyValStore) ForEach(ctx context.Context, fn func(*model.Chunk) error) error {
	return k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := model.Key(item.KeyCopy(nil))
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("error reading chunk %s: %w", key, err)
			}
			size, ok := model.SubtreeSize(data)
			if !ok {
				return fmt.Errorf("keyValStore: stored chunk %s has no size prefix", key)
			}
			if err := fn(&model.Chunk{Key: key, Data: data, Size: size}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats returns the read and write operation counts since the store was
// opened.
func (k *KeyValStore) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

// Close compacts and closes the database.
func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		log.Warnf("error cleaning db on close: %v", err)
	}
	return k.badgerDB.Close()
}

// Clean syncs, flattens and garbage-collects the value log.
func (k *KeyValStore) Clean() error {
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
