// Package crypto hashes and verifies account passwords with Argon2id.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Params are the Argon2id cost settings.
type Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultParams are tuned for server-side hashing.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

// FastParams are cheap enough for tests and seeded demo accounts.
var FastParams = Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

// ErrEmptyPassword is returned when hashing an empty password.
var ErrEmptyPassword = errors.New("empty password")

// Hasher derives and checks password hashes. The zero value uses DefaultParams.
type Hasher struct{ p Params }

// NewHasher constructs a Hasher with p.
func NewHasher(p Params) *Hasher { return &Hasher{p: p} }

func (h *Hasher) params() Params {
	if h == nil || h.p.KeyLen == 0 {
		return DefaultParams
	}
	return h.p
}

// Hash derives a hash of password under a fresh random salt.
func (h *Hasher) Hash(password string) (hash, salt []byte, err error) {
	if password == "" {
		return nil, nil, ErrEmptyPassword
	}
	p := h.params()
	salt, err = RandBytes(p.SaltLen)
	if err != nil {
		return nil, nil, err
	}
	return h.derive(password, salt), salt, nil
}

// Verify reports whether password matches expected under salt, in constant time.
func (h *Hasher) Verify(password string, salt, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(h.derive(password, salt), expected) == 1
}

func (h *Hasher) derive(password string, salt []byte) []byte {
	p := h.params()
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
