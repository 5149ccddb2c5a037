// Package backup streams the full contents of a chunk store to and from an
// lzma-compressed archive. Chunks are content-addressed, so importing into a
// store that already holds some of them is a harmless re-insert and a backup
// can be replayed any number of times.
package backup

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/ouroboros-dpa/pkg/model"
	"github.com/i5heu/ouroboros-dpa/pkg/store"
)

// Record layout inside the compressed stream, repeated until EOF:
//
//	keyLen  uint8
//	key     keyLen bytes
//	dataLen uint64 little-endian
//	data    dataLen bytes
const maxKeyLength = 255

// maxRecordDataLength bounds the allocation for a single record on import.
// Real chunks are a few KiB (size prefix plus chunkSize of payload or keys),
// so anything near this limit is a corrupt or hostile header, caught before
// the allocation instead of after.
const maxRecordDataLength = 64 << 20

// ErrCorruptArchive is returned when the archive stream does not decode as a
// sequence of chunk records.
var ErrCorruptArchive = errors.New("backup: corrupt archive")

// Export writes every chunk of src to w as a compressed archive.
func Export(ctx context.Context, src store.Iterable, w io.Writer) error {
	zw, err := lzma.NewWriter(w)
	if err != nil {
		return fmt.Errorf("backup: creating compressor: %w", err)
	}

	err = src.ForEach(ctx, func(chunk *model.Chunk) error {
		if len(chunk.Key) > maxKeyLength {
			return fmt.Errorf("backup: key length %d exceeds archive limit", len(chunk.Key))
		}
		header := make([]byte, 1+len(chunk.Key)+8)
		header[0] = byte(len(chunk.Key))
		copy(header[1:], chunk.Key)
		binary.LittleEndian.PutUint64(header[1+len(chunk.Key):], uint64(len(chunk.Data)))
		if _, err := zw.Write(header); err != nil {
			return err
		}
		_, err := zw.Write(chunk.Data)
		return err
	})
	if err != nil {
		return err
	}

	return zw.Close()
}

// Import replays an archive produced by Export into dst.
func Import(ctx context.Context, dst store.ChunkStore, r io.Reader) error {
	zr, err := lzma.NewReader(r)
	if err != nil {
		return fmt.Errorf("backup: opening archive: %w", err)
	}

	for {
		chunk, err := readRecord(zr)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := dst.Put(ctx, chunk); err != nil {
			return err
		}
	}
}

func readRecord(r io.Reader) (*model.Chunk, error) {
	var keyLen [1]byte
	if _, err := io.ReadFull(r, keyLen[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	if keyLen[0] == 0 {
		return nil, fmt.Errorf("%w: zero-length key", ErrCorruptArchive)
	}

	buf := make([]byte, int(keyLen[0])+8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	key := model.Key(buf[:keyLen[0]])
	dataLen := binary.LittleEndian.Uint64(buf[keyLen[0]:])
	if dataLen > maxRecordDataLength {
		return nil, fmt.Errorf("%w: chunk %s declares %d data bytes", ErrCorruptArchive, key, dataLen)
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	size, ok := model.SubtreeSize(data)
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s has no size prefix", ErrCorruptArchive, key)
	}
	return &model.Chunk{Key: key, Data: data, Size: size}, nil
}
