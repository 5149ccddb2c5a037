// Package chunker disassembles byte streams into fixed-size, content-addressed
// chunks arranged as a hash tree, and reassembles them.
//
// Every node of the tree is stored as one chunk. A branching node encodes the
// size of the input slice covered by its subtree followed by the keys of all
// its children; a leaf encodes the size followed by the raw payload:
//
//	branch: int64-LE(size) || key_0 || key_1 || ... || key_{n-1}
//	leaf:   int64-LE(size) || payload
//
// The key of a chunk is the digest of its encoded buffer, so the root key
// uniquely addresses the whole input: identical byte ranges dedupe by
// construction and any corruption shows up as a key mismatch.
package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/i5heu/ouroboros-dpa/pkg/model"
)

// DefaultBranches is the default maximum number of children per branching
// node. With a 32-byte digest this yields a 4096-byte chunk size.
const DefaultBranches = 128

// ErrMalformedChunk is returned when a fetched chunk's size prefix or branch
// count is inconsistent with its buffer length. It is distinct from a store
// miss so callers can tell corruption from absence.
var ErrMalformedChunk = errors.New("chunker: malformed chunk")

// TreeChunker splits a stream into a tree of chunks and joins it back. The
// hash function is an injected capability; the chunker never assumes a
// concrete algorithm.
type TreeChunker struct {
	branches  int64
	hashFunc  func() hash.Hash
	hashSize  int64
	chunkSize int64
}

// NewTreeChunker builds a chunker with the given branching factor and hash
// constructor. branches <= 0 selects DefaultBranches, a nil hashFunc selects
// SHA-256. An unusable hash capability fails here, never mid-operation.
func NewTreeChunker(branches int, hashFunc func() hash.Hash) (*TreeChunker, error) {
	if branches <= 0 {
		branches = DefaultBranches
	}
	if branches < 2 {
		return nil, fmt.Errorf("chunker: branching factor must be at least 2, got %d", branches)
	}
	if hashFunc == nil {
		hashFunc = sha256.New
	}
	probe := hashFunc()
	if probe == nil {
		return nil, errors.New("chunker: hash constructor returned nil")
	}
	hashSize := probe.Size()
	if hashSize < 1 {
		return nil, fmt.Errorf("chunker: hash reports invalid digest length %d", hashSize)
	}
	return &TreeChunker{
		branches:  int64(branches),
		hashFunc:  hashFunc,
		hashSize:  int64(hashSize),
		chunkSize: int64(hashSize) * int64(branches),
	}, nil
}

// KeySize returns the length of the keys this chunker produces.
func (tc *TreeChunker) KeySize() int64 {
	return tc.hashSize
}

// ChunkSize returns the maximum leaf payload size, hashSize * branches.
func (tc *TreeChunker) ChunkSize() int64 {
	return tc.chunkSize
}

// Depth returns the tree depth for an input of the given size: the smallest
// d with chunkSize * branches^d >= size.
func (tc *TreeChunker) Depth(size int64) int {
	depth := 0
	for treeSize := tc.chunkSize; treeSize < size; treeSize *= tc.branches {
		depth++
	}
	return depth
}

// Split walks the input and emits every chunk of the tree, leaves and
// branching nodes alike, returning the root key. Emission is in post-order:
// all children of a node are emitted before the node itself, so a consumer
// can persist each chunk as it arrives and never hold a key that has no
// stored chunk behind it yet. A zero-length input is a valid leaf.
func (tc *TreeChunker) Split(ctx context.Context, data SectionReader, emit func(*model.Chunk) error) (model.Key, error) {
	size := data.Size()
	depth := 0
	treeSize := tc.chunkSize
	// Find the order of magnitude of the input in base branches: the number
	// of levels of branching in the resulting tree.
	for ; treeSize < size; treeSize *= tc.branches {
		depth++
	}
	// The per-branch span at the root is one level below the total capacity,
	// which is what caps leaf payloads at chunkSize.
	return tc.splitNode(ctx, depth, treeSize/tc.branches, data, emit)
}

func (tc *TreeChunker) splitNode(ctx context.Context, depth int, treeSize int64, data SectionReader, emit func(*model.Chunk) error) (model.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := data.Size()

	// A recursive call can receive a section no larger than its nominal
	// window; descend while the section fits in a single branch so no
	// degenerate single-child chains are produced. Every branching node
	// ends up with size strictly greater than its per-branch span, which
	// is what lets the join side tell leaves from branches.
	for depth > 0 && size <= treeSize {
		treeSize /= tc.branches
		depth--
	}

	if depth == 0 {
		return tc.leafChunk(size, data, emit)
	}

	branchCnt := (size + treeSize - 1) / treeSize
	buf := make([]byte, model.DataSizePrefixLength+branchCnt*tc.hashSize)
	binary.LittleEndian.PutUint64(buf[:model.DataSizePrefixLength], uint64(size))

	var pos int64
	for i := int64(0); i < branchCnt; i++ {
		secSize := treeSize
		if size-pos < treeSize {
			// the last branch covers whatever remains
			secSize = size - pos
		}
		sub, err := data.Slice(pos, pos+secSize)
		if err != nil {
			return nil, err
		}
		childKey, err := tc.splitNode(ctx, depth-1, treeSize/tc.branches, sub, emit)
		if err != nil {
			return nil, err
		}
		copy(buf[model.DataSizePrefixLength+i*tc.hashSize:], childKey)
		pos += treeSize
	}

	key := tc.digest(buf)
	if err := emit(&model.Chunk{Key: key, Data: buf, Size: size}); err != nil {
		return nil, err
	}
	return key, nil
}

func (tc *TreeChunker) leafChunk(size int64, data SectionReader, emit func(*model.Chunk) error) (model.Key, error) {
	buf := make([]byte, model.DataSizePrefixLength+size)
	binary.LittleEndian.PutUint64(buf[:model.DataSizePrefixLength], uint64(size))
	if size > 0 {
		n, err := data.ReadAt(buf[model.DataSizePrefixLength:], 0)
		if int64(n) < size {
			if err == nil {
				err = fmt.Errorf("chunker: short read, got %d of %d bytes", n, size)
			}
			return nil, err
		}
	}
	key := tc.digest(buf)
	if err := emit(&model.Chunk{Key: key, Data: buf, Size: size}); err != nil {
		return nil, err
	}
	return key, nil
}

func (tc *TreeChunker) digest(buf []byte) model.Key {
	h := tc.hashFunc()
	h.Write(buf)
	return model.Key(h.Sum(nil))
}
