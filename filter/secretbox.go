package filter

import (
	"context"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrDecrypt = errors.New("secretbox filter: message authentication failed")

// SecretBox encrypts buffers with a shared 32-byte key.
// Each output is prefixed with a fresh random nonce.
type SecretBox struct {
	key [32]byte
}

func NewSecretBox(key [32]byte) *SecretBox {
	return &SecretBox{key: key}
}

func (s *SecretBox) Output(_ context.Context, data []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], data, &nonce, &s.key), nil
}

func (s *SecretBox) Input(_ context.Context, data []byte) ([]byte, error) {
	if len(data) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	out, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}
