// Package blobstore stores opaque blobs (uploaded files, archive bundles)
// under flat storage names. Backends: S3-compatible object storage, a local
// directory and memory. EncryptedStore layers the envelope format on top of
// any of them.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidName = errors.New("invalid blob name")
)

// Store is a flat blob namespace. Save replaces an existing blob; Delete of
// a missing blob is not an error.
type Store interface {
	Open(ctx context.Context, name string) (io.ReadSeekCloser, error)
	Save(ctx context.Context, name string, r io.Reader) error
	Delete(ctx context.Context, name string) error
}

// SaveFrom saves the bytes produced by write under name, streaming them
// through a pipe so nothing is buffered in full.
func SaveFrom(ctx context.Context, s Store, name string, write func(w io.Writer) error) error {
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		err := write(pw)
		pw.CloseWithError(err)
		done <- err
	}()

	err := s.Save(ctx, name, pr)
	// Unblocks the writer if the backend stopped reading early.
	_ = pr.CloseWithError(io.ErrClosedPipe)
	writeErr := <-done
	if err != nil {
		return err
	}
	return writeErr
}

// NewName returns a fresh random storage name with the given prefix.
func NewName(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "/" + uuid.NewString()
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, "\\") || !filepath.IsLocal(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
