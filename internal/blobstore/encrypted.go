package blobstore

import (
	"context"
	"io"

	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
)

// EncryptedStore seals blobs under the keyring's default key on Save and
// opens them through the keyring on Open. Plaintext blobs are passed through
// when the keyring allows it.
type EncryptedStore struct {
	inner Store
	kr    *cryptox.Keyring
	opts  []cryptox.Option
}

func NewEncryptedStore(inner Store, kr *cryptox.Keyring, opts ...cryptox.Option) *EncryptedStore {
	return &EncryptedStore{inner: inner, kr: kr, opts: opts}
}

// WithKeyring returns a store over the same backend using kr.
func (s *EncryptedStore) WithKeyring(kr *cryptox.Keyring) *EncryptedStore {
	return &EncryptedStore{inner: s.inner, kr: kr, opts: s.opts}
}

// Raw returns the backing store.
func (s *EncryptedStore) Raw() Store {
	return s.inner
}

func (s *EncryptedStore) Keyring() *cryptox.Keyring {
	return s.kr
}

func (s *EncryptedStore) Open(ctx context.Context, name string) (io.ReadSeekCloser, error) {
	rc, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := cryptox.Open(rc, s.kr, s.kr.PlaintextFallback())
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return r, nil
}

func (s *EncryptedStore) Save(ctx context.Context, name string, r io.Reader) error {
	opts := append([]cryptox.Option{cryptox.WithPlaintextFallback(s.kr.PlaintextFallback())}, s.opts...)
	return SaveFrom(ctx, s.inner, name, func(w io.Writer) error {
		return cryptox.Encrypt(w, r, s.kr.Default(), opts...)
	})
}

func (s *EncryptedStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}

// KeyID reports the key the stored blob is sealed with ("" for plaintext)
// by reading only its header.
func (s *EncryptedStore) KeyID(ctx context.Context, name string) (string, error) {
	rc, err := s.inner.Open(ctx, name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	id, _, err := cryptox.PeekKeyID(rc)
	return id, err
}
