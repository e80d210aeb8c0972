package p2p

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
)

// ChallengeSize is the length of a generated challenge.
const ChallengeSize = 16

var (
	ErrNoCipher        = errors.New("no cipher registered for security level")
	ErrChallengeFailed = errors.New("challenge response rejected")
)

// Cipher answers and checks group join challenges.
type Cipher interface {
	Challenge() ([]byte, error)
	Respond(challenge []byte) []byte
	Verify(challenge, response []byte) bool
}

// CipherFactory builds the cipher of one security level.
type CipherFactory func() (Cipher, error)

// CipherRegistry maps security levels to cipher factories. Level 0 never has a cipher.
type CipherRegistry struct {
	mu        sync.RWMutex
	factories map[uint32]CipherFactory
}

func NewCipherRegistry() *CipherRegistry {
	return &CipherRegistry{factories: make(map[uint32]CipherFactory)}
}

// Register installs factory for level, replacing any previous one.
func (r *CipherRegistry) Register(level uint32, factory CipherFactory) error {
	if level == 0 {
		return errors.New("security level 0 takes no cipher")
	}
	if factory == nil {
		return errors.New("cipher factory cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[level] = factory
	return nil
}

// RegisterHMAC installs an HMAC-SHA256 cipher with a shared key for level.
func (r *CipherRegistry) RegisterHMAC(level uint32, key []byte) error {
	if len(key) == 0 {
		return errors.New("hmac key cannot be empty")
	}
	k := append([]byte(nil), key...)
	return r.Register(level, func() (Cipher, error) {
		return &HMACCipher{key: k}, nil
	})
}

// Has reports whether level can be served.
func (r *CipherRegistry) Has(level uint32) bool {
	if level == 0 {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[level]
	return ok
}

// New returns the cipher of level, nil for level 0.
func (r *CipherRegistry) New(level uint32) (Cipher, error) {
	if level == 0 {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.factories[level]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoCipher, level)
	}
	return factory()
}

// HMACCipher proves knowledge of a shared key.
type HMACCipher struct {
	key []byte
}

func (c *HMACCipher) Challenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

func (c *HMACCipher) Respond(challenge []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(challenge)
	return mac.Sum(nil)
}

func (c *HMACCipher) Verify(challenge, response []byte) bool {
	return hmac.Equal(c.Respond(challenge), response)
}
