package cryptox

import (
	"bytes"
	"io"
)

// EncryptField seals a column value under the keyring's default key. nil
// stays nil so NULL columns remain NULL.
func EncryptField(kr *Keyring, plaintext []byte) ([]byte, error) {
	if plaintext == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(Magic) + len(plaintext) + 128)
	if err := Encrypt(&buf, bytes.NewReader(plaintext), kr.Default(), WithPlaintextFallback(kr.PlaintextFallback())); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptField opens a column value written by EncryptField.
func DecryptField(kr *Keyring, value []byte) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	r, err := Open(bytes.NewReader(value), kr, kr.PlaintextFallback())
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// FieldKeyID returns the key id a stored value is sealed with, or "" for
// plaintext, without decrypting it.
func FieldKeyID(value []byte) string {
	id, _, err := PeekKeyID(bytes.NewReader(value))
	if err != nil {
		return ""
	}
	return id
}

// NeedsRotation reports whether value has to be rewritten to end up under
// the keyring's current default key (or as plaintext when there is none).
func NeedsRotation(kr *Keyring, value []byte) bool {
	if value == nil {
		return false
	}
	id, encrypted, err := PeekKeyID(bytes.NewReader(value))
	if err != nil {
		// Malformed envelope: let the rewrite surface the error.
		return true
	}
	if kr.DefaultID() == "" {
		return encrypted
	}
	return !encrypted || id != kr.DefaultID()
}
