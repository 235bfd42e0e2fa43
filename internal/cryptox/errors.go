package cryptox

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity reports a failed tag verification. No plaintext of the
	// failing chunk is ever returned alongside it.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrMissingKey reports that the key referenced by an envelope is unknown.
	ErrMissingKey = errors.New("encryption key not found")

	// ErrRevokedKey reports an attempt to use a revoked key in either direction.
	ErrRevokedKey = errors.New("encryption key revoked")

	// ErrPlaintextNotAllowed reports plaintext input or output while plaintext
	// fallback is disabled.
	ErrPlaintextNotAllowed = errors.New("plaintext data not allowed")

	// ErrMalformedHeader reports truncated or unparseable envelope metadata.
	ErrMalformedHeader = errors.New("malformed envelope header")

	// ErrInvalidKey reports unusable key material or configuration.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// CryptoError carries the operation and key id along with one of the
// sentinel errors above. Use errors.Is to match the kind.
type CryptoError struct {
	Op    string
	KeyID string
	Err   error
}

func (e *CryptoError) Error() string {
	if e.KeyID == "" {
		return fmt.Sprintf("cryptox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cryptox %s (key %q): %v", e.Op, e.KeyID, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

func newError(op, keyID string, err error) error {
	return &CryptoError{Op: op, KeyID: keyID, Err: err}
}
