// Package wrap encrypts archive key parts for users' public keys so that
// only the key holder can recover the share.
package wrap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"golang.org/x/crypto/nacl/box"
)

var (
	ErrUnsupportedKeyType = errors.New("unsupported public key type")
	ErrInvalidPublicKey   = errors.New("invalid public key")
)

// Multi wraps shares with RSA-OAEP (SHA-256) for "rsa" keys given as PEM and
// with an anonymous NaCl box for "x25519" keys given as 32 raw or base64
// encoded bytes.
type Multi struct {
	rand io.Reader
}

func NewMulti() *Multi {
	return &Multi{rand: rand.Reader}
}

// Wrap encrypts share for key.
func (m *Multi) Wrap(share []byte, key *models.UserPublicKey) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidPublicKey
	}
	switch key.KeyType {
	case models.KeyTypeRSA:
		pub, err := ParseRSAPublicKey(key.PublicKey)
		if err != nil {
			return nil, err
		}
		out, err := rsa.EncryptOAEP(sha256.New(), m.rand, pub, share, nil)
		if err != nil {
			return nil, fmt.Errorf("rsa-oaep: %w", err)
		}
		return out, nil
	case models.KeyTypeX25519:
		pub, err := ParseX25519PublicKey(key.PublicKey)
		if err != nil {
			return nil, err
		}
		out, err := box.SealAnonymous(nil, share, pub, m.rand)
		if err != nil {
			return nil, fmt.Errorf("sealed box: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, key.KeyType)
	}
}

// ParseRSAPublicKey accepts PEM "PUBLIC KEY" (PKIX) and "RSA PUBLIC KEY"
// (PKCS#1) blocks.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}

	switch block.Type {
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrInvalidPublicKey, block.Type)
	}
}

func ParseX25519PublicKey(data []byte) (*[32]byte, error) {
	raw := data
	if len(raw) != 32 {
		dec, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil || len(dec) != 32 {
			return nil, fmt.Errorf("%w: x25519 key must be 32 bytes", ErrInvalidPublicKey)
		}
		raw = dec
	}
	var pub [32]byte
	copy(pub[:], raw)
	return &pub, nil
}
