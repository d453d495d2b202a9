// Package xhash provides the streaming 64-bit hash used throughout
// the caching fabric (Fingerprint and PreambleHash; blob store keys
// are SHA-256, see internal/blobstore). It wraps cespare/xxhash/v2, the xxHash64-class hash
// spec §4.1 asks for and the same hash family the original Rust
// implementation used (xxhash_rust::xxh64).
package xhash

import "github.com/cespare/xxhash/v2"

// Sum64 hashes a single byte slice.
func Sum64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Sum64String hashes a string without an extra allocation.
func Sum64String(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Digest is a streaming hasher for composing a 64-bit hash across
// many writes, as Fingerprint does across a sorted file list.
type Digest struct {
	d *xxhash.Digest
}

// New returns a new streaming digest seeded at xxhash's default state.
func New() *Digest {
	return &Digest{d: xxhash.New()}
}

// Write feeds bytes into the digest. Never returns an error.
func (h *Digest) Write(b []byte) {
	_, _ = h.d.Write(b)
}

// WriteByte feeds a single separator byte into the digest.
func (h *Digest) WriteByte(b byte) {
	_, _ = h.d.Write([]byte{b})
}

// WriteUint64LE feeds a little-endian uint64 into the digest, used to
// fold a resolved content hash into the running Fingerprint.
func (h *Digest) WriteUint64LE(v uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
}

// Sum64 returns the digest's current value.
func (h *Digest) Sum64() uint64 {
	return h.d.Sum64()
}
