package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces a candidate task id for owner. Candidates may collide;
// the store checks and retries.
type IDGenerator func(owner string) string

// idLength is the number of hex characters kept from the digest.
const idLength = 32

// HashID derives an opaque id from a random UUID, the owner and the current
// time.
func HashID(owner string) string {
	u := uuid.New()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))

	h := sha256.New()
	h.Write(u[:])
	h.Write([]byte(owner))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}
