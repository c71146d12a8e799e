package clearing

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "perpclear:genesis:v1"

// stateHasher chains every emitted event to its predecessor:
// state_hash[N] = SHA-256(prev_hash || sequence || event_digest).
type stateHasher struct {
	prevHash [32]byte
}

func newStateHasher() *stateHasher {
	return &stateHasher{prevHash: sha256.Sum256([]byte(genesisHashSeed))}
}

func (h *stateHasher) computeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

func (h *stateHasher) prev() [32]byte {
	return h.prevHash
}

// restore seeds the chain from a durably committed hash after restart.
func (h *stateHasher) restore(hash [32]byte) {
	h.prevHash = hash
}
