package model

import (
	"bytes"
	"encoding/hex"
)

// Key is the content address of a chunk: the digest of the chunk's encoded
// buffer. Its length is the digest length of the hash the chunker was built
// with, so keys from chunkers with different hash functions never compare
// equal.
type Key []byte

// Equal reports whether two keys address the same content.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// String returns the key as a hex string.
func (k Key) String() string {
	return hex.EncodeToString(k)
}

// Bytes returns the raw key bytes.
func (k Key) Bytes() []byte {
	return k
}

// KeyFromHex parses a hex string into a Key.
func KeyFromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return Key(b), nil
}
