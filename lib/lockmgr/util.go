package lockmgr

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

const ownerIDLength = 32 // 256 bit

// generateOwnerID creates a new random owner ID
func generateOwnerID() ([]byte, error) {
	randomBytes := make([]byte, ownerIDLength)
	_, err := rand.Read(randomBytes)
	return randomBytes, err
}

// lease is the stored form: 8 bytes expiry (unix nanos, 0 = never) followed by the owner ID
type lease struct {
	expires int64
	owner   []byte
}

func (l lease) encode() []byte {
	b := make([]byte, 8+len(l.owner))
	binary.BigEndian.PutUint64(b, uint64(l.expires))
	copy(b[8:], l.owner)
	return b
}

func decodeLease(b []byte) (lease, error) {
	if len(b) < 8 {
		return lease{}, fmt.Errorf("lease record too short (%d bytes)", len(b))
	}
	return lease{expires: int64(binary.BigEndian.Uint64(b)), owner: b[8:]}, nil
}

func (l lease) expired(now time.Time) bool {
	return l.expires != 0 && now.UnixNano() >= l.expires
}
