package auth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

// Hasher hashes and verifies passwords with bcrypt. The zero value uses
// bcrypt.DefaultCost.
type Hasher struct {
	Cost int

	dummyOnce sync.Once
	dummy     []byte
}

func (h *Hasher) cost() int {
	if h.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return h.Cost
}

// Hash returns the bcrypt hash of plain.
func (h *Hasher) Hash(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether plain matches hash. A malformed hash is a mismatch.
func (h *Hasher) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Burn performs a comparison against a fixed hash of the same cost, so a
// lookup miss takes as long as a wrong password.
func (h *Hasher) Burn(plain string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("rocks_monitor-dummy"), h.cost())
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plain))
}

var defaultHasher Hasher

// HashPassword hashes plain with the default cost.
func HashPassword(plain string) (string, error) {
	return defaultHasher.Hash(plain)
}

// VerifyPassword reports whether plain matches hash.
func VerifyPassword(plain, hash string) bool {
	return defaultHasher.Verify(plain, hash)
}
