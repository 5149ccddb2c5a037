package chunker

import (
	"fmt"
	"io"
)

// SectionReader is a random-access view over a byte range. Slice returns a
// sub-range view over the same underlying source without copying, which is
// what lets the splitter walk gigabyte inputs with only per-chunk buffers.
type SectionReader interface {
	io.ReaderAt

	// Size returns the total length of the section in bytes.
	Size() int64

	// Slice returns a view over [start, end) of this section. It requires
	// 0 <= start <= end <= Size().
	Slice(start, end int64) (SectionReader, error)
}

type byteSection struct {
	data []byte
}

// NewByteSection wraps a byte slice in a SectionReader. The slice is not
// copied; the caller must not mutate it while the section is in use.
func NewByteSection(data []byte) SectionReader {
	return &byteSection{data: data}
}

func (s *byteSection) Size() int64 {
	return int64(len(s.data))
}

func (s *byteSection) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("chunker: negative read offset %d", off)
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *byteSection) Slice(start, end int64) (SectionReader, error) {
	if start < 0 || start > end || end > int64(len(s.data)) {
		return nil, fmt.Errorf("chunker: invalid slice [%d, %d) of section with size %d", start, end, len(s.data))
	}
	return &byteSection{data: s.data[start:end]}, nil
}

// readerSection adapts any io.ReaderAt to a SectionReader by tracking a
// window into it, so files can be split without loading them into memory.
type readerSection struct {
	r    io.ReaderAt
	off  int64
	size int64
}

// NewSection wraps an io.ReaderAt covering [off, off+size) in a
// SectionReader.
func NewSection(r io.ReaderAt, off, size int64) (SectionReader, error) {
	if off < 0 || size < 0 {
		return nil, fmt.Errorf("chunker: invalid section window off=%d size=%d", off, size)
	}
	return &readerSection{r: r, off: off, size: size}, nil
}

func (s *readerSection) Size() int64 {
	return s.size
}

func (s *readerSection) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("chunker: negative read offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	if max := s.size - off; int64(len(p)) > max {
		n, err := s.r.ReadAt(p[:max], s.off+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.r.ReadAt(p, s.off+off)
}

func (s *readerSection) Slice(start, end int64) (SectionReader, error) {
	if start < 0 || start > end || end > s.size {
		return nil, fmt.Errorf("chunker: invalid slice [%d, %d) of section with size %d", start, end, s.size)
	}
	return &readerSection{r: s.r, off: s.off + start, size: end - start}, nil
}
