package model

import "encoding/binary"

// Chunk is one node of the content tree: either a leaf carrying a slice of
// the original input or a branching node carrying the keys of its children.
// Chunks only exist transiently in memory; a ChunkStore owns their persisted
// lifetime.
type Chunk struct {
	// Key is the digest of Data.
	Key Key

	// Data is the encoded buffer: an int64 little-endian size prefix followed
	// by either raw payload (leaf) or concatenated child keys (branching
	// node). Nil for a pure retrieval request.
	Data []byte

	// Size is the number of input bytes covered by the subtree this chunk
	// roots. It is not len(Data): a branching node of a 1 GiB input has a
	// small Data buffer but Size of 1 GiB.
	Size int64
}

// DataSizePrefixLength is the length of the little-endian size prefix every
// encoded chunk starts with.
const DataSizePrefixLength = 8

// SubtreeSize decodes the size prefix of an encoded chunk buffer. The second
// return value is false if the buffer is too short to carry a prefix.
func SubtreeSize(data []byte) (int64, bool) {
	if len(data) < DataSizePrefixLength {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(data[:DataSizePrefixLength])), true
}
