package chunker

import (
	"context"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-dpa/pkg/model"
)

// Getter is the read side of a chunk store, the only capability Join needs.
type Getter interface {
	Get(ctx context.Context, key model.Key) (*model.Chunk, error)
}

// LazyChunkReader is a SectionReader over content reconstructed from a chunk
// tree. Only the root chunk is fetched up front (to learn the total size);
// every other chunk is fetched on demand, and only if its span intersects a
// requested byte range.
type LazyChunkReader struct {
	tc     *TreeChunker
	getter Getter
	ctx    context.Context
	root   *model.Chunk

	// window into the reconstructed content, for zero-copy Slice views
	base   int64
	length int64
}

// Join resolves the root chunk behind key and returns a lazy reader over the
// content it addresses. The context is retained and governs all chunk
// fetches done through the returned reader. A key missing from the store is
// a reconstruction failure reported with the store's not-found error, never
// an empty read.
func (tc *TreeChunker) Join(ctx context.Context, getter Getter, key model.Key) (*LazyChunkReader, error) {
	root, err := getter.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	size, ok := model.SubtreeSize(root.Data)
	if !ok || size < 0 {
		return nil, fmt.Errorf("%w: root %s has no valid size prefix", ErrMalformedChunk, key)
	}
	return &LazyChunkReader{
		tc:     tc,
		getter: getter,
		ctx:    ctx,
		root:   root,
		base:   0,
		length: size,
	}, nil
}

// Size returns the length of the reconstructed byte range.
func (r *LazyChunkReader) Size() int64 {
	return r.length
}

// Slice returns a view over [start, end) of the reconstructed content. No
// chunks are fetched until the view is read.
func (r *LazyChunkReader) Slice(start, end int64) (SectionReader, error) {
	if start < 0 || start > end || end > r.length {
		return nil, fmt.Errorf("chunker: invalid slice [%d, %d) of section with size %d", start, end, r.length)
	}
	return &LazyChunkReader{
		tc:     r.tc,
		getter: r.getter,
		ctx:    r.ctx,
		root:   r.root,
		base:   r.base + start,
		length: end - start,
	}, nil
}

// ReadAt reads into p starting at off, descending the tree and fetching only
// the chunks whose spans intersect [off, off+len(p)).
func (r *LazyChunkReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("chunker: negative read offset %d", off)
	}
	if off >= r.length {
		return 0, io.EOF
	}
	n := int64(len(p))
	if max := r.length - off; n > max {
		n = max
	}
	if err := r.readSubtree(r.root, r.base+off, p[:n]); err != nil {
		return 0, err
	}
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// ReadAll materializes the whole window. Reconstruction fails if any
// referenced chunk is missing or malformed.
func (r *LazyChunkReader) ReadAll() ([]byte, error) {
	buf := make([]byte, r.length)
	if r.length == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// readSubtree copies the range [off, off+len(p)) of the content covered by c
// into p. off is relative to the start of c's subtree and the range is known
// to lie inside it.
func (r *LazyChunkReader) readSubtree(c *model.Chunk, off int64, p []byte) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	size, ok := model.SubtreeSize(c.Data)
	if !ok || size < 0 {
		return fmt.Errorf("%w: %s has no valid size prefix", ErrMalformedChunk, c.Key)
	}

	if size <= r.tc.chunkSize {
		// leaf: the buffer carries the payload directly
		if int64(len(c.Data)) != model.DataSizePrefixLength+size {
			return fmt.Errorf("%w: leaf %s has %d payload bytes, size prefix says %d",
				ErrMalformedChunk, c.Key, len(c.Data)-model.DataSizePrefixLength, size)
		}
		copy(p, c.Data[model.DataSizePrefixLength+off:])
		return nil
	}

	// Branching node: recover the per-branch span, the largest
	// chunkSize * branches^k strictly below the subtree size. This mirrors
	// the splitter, which always gives a branching node a size in
	// (treeSize, treeSize*branches].
	treeSize := r.tc.chunkSize
	for treeSize*r.tc.branches < size {
		treeSize *= r.tc.branches
	}
	branchCnt := (size + treeSize - 1) / treeSize
	if int64(len(c.Data)) != model.DataSizePrefixLength+branchCnt*r.tc.hashSize {
		return fmt.Errorf("%w: branch %s encodes %d key bytes, size prefix implies %d children",
			ErrMalformedChunk, c.Key, len(c.Data)-model.DataSizePrefixLength, branchCnt)
	}

	end := off + int64(len(p))
	for i := off / treeSize; i < branchCnt && i*treeSize < end; i++ {
		childStart := i * treeSize
		childSize := treeSize
		if size-childStart < treeSize {
			childSize = size - childStart
		}

		// intersection of [off, end) with this child's span
		from := int64(0)
		if off > childStart {
			from = off - childStart
		}
		to := childSize
		if end < childStart+childSize {
			to = end - childStart
		}

		keyOff := model.DataSizePrefixLength + i*r.tc.hashSize
		childKey := model.Key(c.Data[keyOff : keyOff+r.tc.hashSize])
		child, err := r.getter.Get(r.ctx, childKey)
		if err != nil {
			return err
		}
		if err := r.readSubtree(child, from, p[childStart+from-off:childStart+to-off]); err != nil {
			return err
		}
	}
	return nil
}
