package sessions

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize = 24
	keySize   = 32
)

// ErrUnseal — запечатанное значение не открылось (чужой ключ или порча данных).
var ErrUnseal = errors.New("unseal credential")

// Sealer шифрует секретные поля строки (AppSecret, Credential) перед записью на диск.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// NopSealer хранит значения как есть (CREDENTIAL_KEY не задан).
type NopSealer struct{}

func (NopSealer) Seal(plain []byte) ([]byte, error)  { return append([]byte{}, plain...), nil }
func (NopSealer) Open(sealed []byte) ([]byte, error) { return append([]byte(nil), sealed...), nil }

// SecretboxSealer — NaCl secretbox (XSalsa20-Poly1305); формат: nonce(24) || box.
type SecretboxSealer struct {
	key *[keySize]byte
}

// NewSecretboxSealer принимает 32-байтовый ключ.
func NewSecretboxSealer(key []byte) (*SecretboxSealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secretbox key must be %d bytes, got %d", keySize, len(key))
	}
	var k [keySize]byte
	copy(k[:], key)
	return &SecretboxSealer{key: &k}, nil
}

// NewSealer выбирает реализацию по наличию ключа.
func NewSealer(key []byte) (Sealer, error) {
	if len(key) == 0 {
		return NopSealer{}, nil
	}
	s, err := NewSecretboxSealer(key)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SecretboxSealer) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, s.key), nil
}

func (s *SecretboxSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrUnseal
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, ErrUnseal
	}
	return plain, nil
}
