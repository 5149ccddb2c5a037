package chunker_test

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-dpa/pkg/chunker"
	"github.com/i5heu/ouroboros-dpa/pkg/model"
	"github.com/i5heu/ouroboros-dpa/pkg/store"
)

// toyHash is a 4-byte digest (truncated SHA-256) so tests can build deep
// trees from tiny inputs.
type toyHash struct {
	inner hash.Hash
}

func newToyHash() hash.Hash {
	return &toyHash{inner: sha256.New()}
}

func (t *toyHash) Write(p []byte) (int, error) { return t.inner.Write(p) }
func (t *toyHash) Reset()                      { t.inner.Reset() }
func (t *toyHash) Size() int                   { return 4 }
func (t *toyHash) BlockSize() int              { return t.inner.BlockSize() }

func (t *toyHash) Sum(b []byte) []byte {
	full := t.inner.Sum(nil)
	return append(b, full[:4]...)
}

func toyDigest(buf []byte) model.Key {
	h := newToyHash()
	h.Write(buf)
	return model.Key(h.Sum(nil))
}

func randomBytes(t *testing.T, n int64) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)
	return data
}

func splitIntoStore(t *testing.T, tc *chunker.TreeChunker, data []byte) (model.Key, *store.MemStore) {
	t.Helper()
	mem := store.NewMemStore()
	key, err := tc.Split(context.Background(), chunker.NewByteSection(data), func(c *model.Chunk) error {
		return mem.Put(context.Background(), c)
	})
	require.NoError(t, err)
	return key, mem
}

func TestNewTreeChunkerConfig(t *testing.T) {
	tc, err := chunker.NewTreeChunker(0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(32), tc.KeySize())
	assert.Equal(t, int64(4096), tc.ChunkSize())

	_, err = chunker.NewTreeChunker(1, nil)
	assert.Error(t, err)

	_, err = chunker.NewTreeChunker(128, func() hash.Hash { return nil })
	assert.Error(t, err)

	tc, err = chunker.NewTreeChunker(2, newToyHash)
	require.NoError(t, err)
	assert.Equal(t, int64(4), tc.KeySize())
	assert.Equal(t, int64(8), tc.ChunkSize())
}

func TestSplitJoinRoundTrip(t *testing.T) {
	tc, err := chunker.NewTreeChunker(chunker.DefaultBranches, sha256.New)
	require.NoError(t, err)

	cs := tc.ChunkSize()
	sizes := []int64{0, 1, cs - 1, cs, cs + 1, 2 * cs, 128 * cs, 128*cs + 1, 129 * cs, 128*cs + cs/2}

	// a few arbitrary sizes on top of the boundary cases
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 3; i++ {
		sizes = append(sizes, rng.Int63n(130*cs))
	}

	for _, size := range sizes {
		data := randomBytes(t, size)
		key, mem := splitIntoStore(t, tc, data)

		reader, err := tc.Join(context.Background(), mem, key)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, size, reader.Size(), "size %d", size)

		got, err := reader.ReadAll()
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, data, got, "size %d", size)
	}
}

// TestSplitExactSpanRemainder covers inputs whose final branch exactly fills
// a whole subtree span one level down, e.g. 3*chunkSize at branches=2: the
// 2*chunkSize capacity of the first branch leaves a remainder of exactly
// chunkSize. The remainder must become a plain leaf, not a single-child
// branching node, or reconstruction cannot decode it.
func TestSplitExactSpanRemainder(t *testing.T) {
	cases := []struct {
		name     string
		branches int
		hashFunc func() hash.Hash
		factor   int64
	}{
		{"two branches toy hash", 2, newToyHash, 3},
		{"two branches sha256", 2, sha256.New, 3},
		{"default branches", chunker.DefaultBranches, sha256.New, chunker.DefaultBranches + 1},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := chunker.NewTreeChunker(tt.branches, tt.hashFunc)
			require.NoError(t, err)

			data := randomBytes(t, tt.factor*tc.ChunkSize())
			key, mem := splitIntoStore(t, tc, data)

			// every branching node carries at least two children
			err = mem.ForEach(context.Background(), func(c *model.Chunk) error {
				if c.Size > tc.ChunkSize() {
					keyBytes := int64(len(c.Data)) - model.DataSizePrefixLength
					assert.GreaterOrEqual(t, keyBytes/tc.KeySize(), int64(2),
						"branching node %s with size %d has a single child", c.Key, c.Size)
				}
				return nil
			})
			require.NoError(t, err)

			reader, err := tc.Join(context.Background(), mem, key)
			require.NoError(t, err)
			got, err := reader.ReadAll()
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestSplitDeterminism(t *testing.T) {
	tc, err := chunker.NewTreeChunker(chunker.DefaultBranches, sha256.New)
	require.NoError(t, err)

	data := randomBytes(t, 3*tc.ChunkSize()+17)

	collect := func() (model.Key, map[string][]byte) {
		chunks := map[string][]byte{}
		key, err := tc.Split(context.Background(), chunker.NewByteSection(data), func(c *model.Chunk) error {
			chunks[c.Key.String()] = c.Data
			return nil
		})
		require.NoError(t, err)
		return key, chunks
	}

	key1, chunks1 := collect()
	key2, chunks2 := collect()

	assert.True(t, key1.Equal(key2))
	assert.Equal(t, chunks1, chunks2)
}

func TestSplitContentAddressing(t *testing.T) {
	tc, err := chunker.NewTreeChunker(chunker.DefaultBranches, sha256.New)
	require.NoError(t, err)

	data := randomBytes(t, 2*tc.ChunkSize()+100)
	key1, _ := splitIntoStore(t, tc, data)

	for _, bit := range []int{0, 7, len(data)*8 - 1} {
		flipped := make([]byte, len(data))
		copy(flipped, data)
		flipped[bit/8] ^= 1 << (bit % 8)

		key2, _ := splitIntoStore(t, tc, flipped)
		assert.False(t, key1.Equal(key2), "bit %d", bit)
	}
}

func TestSplitSizeInvariant(t *testing.T) {
	tc, err := chunker.NewTreeChunker(2, newToyHash)
	require.NoError(t, err)

	data := randomBytes(t, 1000)
	key, mem := splitIntoStore(t, tc, data)

	root, err := mem.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), root.Size)

	// Every branching chunk's size prefix must equal the sum of its
	// children's size prefixes.
	err = mem.ForEach(context.Background(), func(c *model.Chunk) error {
		size, ok := model.SubtreeSize(c.Data)
		require.True(t, ok)
		require.Equal(t, c.Size, size)
		if size <= tc.ChunkSize() {
			return nil // leaf
		}

		var childSum int64
		keys := c.Data[model.DataSizePrefixLength:]
		require.Zero(t, int64(len(keys))%tc.KeySize())
		for off := int64(0); off < int64(len(keys)); off += tc.KeySize() {
			child, err := mem.Get(context.Background(), model.Key(keys[off:off+tc.KeySize()]))
			require.NoError(t, err)
			childSum += child.Size
		}
		assert.Equal(t, size, childSum)
		return nil
	})
	require.NoError(t, err)
}

func TestDepthFormula(t *testing.T) {
	tc, err := chunker.NewTreeChunker(2, newToyHash)
	require.NoError(t, err)

	cs := tc.ChunkSize()
	pow := func(d int) int64 {
		out := cs
		for i := 0; i < d; i++ {
			out *= 2
		}
		return out
	}

	for _, n := range []int64{0, 1, cs, cs + 1, 2 * cs, 2*cs + 1, 20, 100, 1 << 16} {
		d := tc.Depth(n)
		assert.GreaterOrEqual(t, pow(d), n, "n=%d", n)
		if d > 0 {
			assert.Less(t, pow(d-1), n, "n=%d", n)
		}
	}
}

func TestSplitEmitsPostOrder(t *testing.T) {
	tc, err := chunker.NewTreeChunker(2, newToyHash)
	require.NoError(t, err)

	data := randomBytes(t, 300)
	seen := map[string]bool{}
	_, err = tc.Split(context.Background(), chunker.NewByteSection(data), func(c *model.Chunk) error {
		size, ok := model.SubtreeSize(c.Data)
		require.True(t, ok)
		if size > tc.ChunkSize() {
			keys := c.Data[model.DataSizePrefixLength:]
			for off := int64(0); off < int64(len(keys)); off += tc.KeySize() {
				childKey := model.Key(keys[off : off+tc.KeySize()])
				assert.True(t, seen[childKey.String()], "child %s emitted after its parent", childKey)
			}
		}
		seen[c.Key.String()] = true
		return nil
	})
	require.NoError(t, err)
}

func TestSplitZeroLengthInput(t *testing.T) {
	tc, err := chunker.NewTreeChunker(chunker.DefaultBranches, sha256.New)
	require.NoError(t, err)

	var emitted []*model.Chunk
	key, err := tc.Split(context.Background(), chunker.NewByteSection(nil), func(c *model.Chunk) error {
		emitted = append(emitted, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, emitted, 1)

	assert.Equal(t, make([]byte, 8), emitted[0].Data)
	assert.Equal(t, int64(0), emitted[0].Size)

	h := sha256.New()
	h.Write(make([]byte, 8))
	assert.Equal(t, model.Key(h.Sum(nil)), key)
}

// TestSplitToyScenario pins the exact buffer layout for branches=2 and a
// 4-byte digest (chunk size 8) on a 20-byte input. The capacity at depth 1
// is 16 < 20 <= 32, so the tree has two levels of branching: the root spans
// two branches of 16 and 4 bytes, and the 16-byte branch splits into two
// 8-byte leaves.
func TestSplitToyScenario(t *testing.T) {
	tc, err := chunker.NewTreeChunker(2, newToyHash)
	require.NoError(t, err)
	require.Equal(t, int64(8), tc.ChunkSize())

	data := randomBytes(t, 20)
	assert.Equal(t, 2, tc.Depth(20))

	key, mem := splitIntoStore(t, tc, data)

	leaf := func(payload []byte) model.Key {
		buf := make([]byte, 8+len(payload))
		binary.LittleEndian.PutUint64(buf, uint64(len(payload)))
		copy(buf[8:], payload)
		return toyDigest(buf)
	}

	// the 16-byte branch: LE64(16) || key(data[0:8]) || key(data[8:16])
	branchBuf := make([]byte, 8+4+4)
	binary.LittleEndian.PutUint64(branchBuf, 16)
	copy(branchBuf[8:12], leaf(data[0:8]))
	copy(branchBuf[12:16], leaf(data[8:16]))
	branchKey := toyDigest(branchBuf)

	// the root: LE64(20) || key(branch) || key(data[16:20])
	rootBuf := make([]byte, 8+4+4)
	binary.LittleEndian.PutUint64(rootBuf, 20)
	copy(rootBuf[8:12], branchKey)
	copy(rootBuf[12:16], leaf(data[16:20]))

	assert.Equal(t, model.Key(toyDigest(rootBuf)), key)

	root, err := mem.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, rootBuf, root.Data)
	assert.Equal(t, int64(20), root.Size)

	branch, err := mem.Get(context.Background(), branchKey)
	require.NoError(t, err)
	assert.Equal(t, branchBuf, branch.Data)
	assert.Equal(t, int64(16), branch.Size)

	// 3 leaves + 1 branch + 1 root
	assert.Equal(t, 5, mem.Len())
}

func TestSplitCancellation(t *testing.T) {
	tc, err := chunker.NewTreeChunker(2, newToyHash)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tc.Split(ctx, chunker.NewByteSection(randomBytes(t, 100)), func(*model.Chunk) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
