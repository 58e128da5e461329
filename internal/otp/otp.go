// Package otp implements the one-time-code second factor required before
// a signature is accepted. The store is an injected abstraction so call
// sites do not care whether codes live in an in-process map or in redis;
// either way it is intentionally non-durable and never audit evidence.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"
)

const (
	codeLength = 6
	// TTL bounds how long an issued code stays verifiable.
	TTL = 30 * time.Minute
)

var (
	ErrNotFound = errors.New("otp_not_found")
	ErrExpired  = errors.New("otp_expired")
	ErrMismatch = errors.New("otp_mismatch")
)

// Store issues and verifies codes keyed by email. One outstanding code
// per email; issuing again overwrites. Verify consumes the code on every
// terminal outcome, success or not, so a code can never be retried.
type Store interface {
	Issue(ctx context.Context, email string) (string, error)
	Verify(ctx context.Context, email, code string) error
}

// GenerateCode returns 6 random decimal digits.
func GenerateCode() (string, error) {
	max := big.NewInt(10)
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

type entry struct {
	code    string
	expires time.Time
}

// MemoryStore keeps codes in a mutex-guarded map. Loss on restart is
// acceptable: the signer just requests a fresh code.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]entry
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]entry), now: time.Now}
}

// NewMemoryStoreAt is NewMemoryStore with an injected clock, for tests.
func NewMemoryStoreAt(now func() time.Time) *MemoryStore {
	return &MemoryStore{codes: make(map[string]entry), now: now}
}

func (s *MemoryStore) Issue(_ context.Context, email string) (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.codes[email] = entry{code: code, expires: s.now().Add(TTL)}
	s.mu.Unlock()
	return code, nil
}

func (s *MemoryStore) Verify(_ context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.codes[email]
	if !ok {
		return ErrNotFound
	}
	// single-use regardless of outcome
	delete(s.codes, email)
	if s.now().After(e.expires) {
		return ErrExpired
	}
	if e.code != code {
		return ErrMismatch
	}
	return nil
}
