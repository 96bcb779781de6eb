package vault

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Pseudonymizer derives a stable per-org employee pseudonym with keyed
// BLAKE2b-256. Without the key the pseudonym cannot be linked back.
type Pseudonymizer struct {
	key []byte
}

func NewPseudonymizer(key []byte) (*Pseudonymizer, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, errors.New("vault: pseudonym key must be 1..64 bytes")
	}
	return &Pseudonymizer{key: append([]byte(nil), key...)}, nil
}

func (p *Pseudonymizer) Pseudonym(orgID, employeeID string) string {
	h, err := blake2b.New256(p.key)
	if err != nil {
		// Key length is checked in NewPseudonymizer.
		panic(err)
	}
	h.Write([]byte(orgID))
	h.Write([]byte{0})
	h.Write([]byte(employeeID))
	return hex.EncodeToString(h.Sum(nil))
}
