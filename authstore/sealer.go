package authstore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrSealedBlob means a stored credential blob could not be opened.
var ErrSealedBlob = errors.New("auth blob cannot be opened")

// Sealer encrypts credential blobs at rest with NaCl secretbox.
// A nil *Sealer passes blobs through unchanged.
type Sealer struct {
	key [32]byte
}

// NewSealer returns nil when key is nil.
func NewSealer(key *[32]byte) *Sealer {
	if key == nil {
		return nil
	}
	return &Sealer{key: *key}
}

// Seal prefixes the box with its random nonce.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if s == nil || plain == nil {
		return plain, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if s == nil || sealed == nil {
		return sealed, nil
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSealedBlob
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealedBlob
	}
	return plain, nil
}
