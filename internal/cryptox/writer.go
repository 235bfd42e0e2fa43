package cryptox

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var errWriterClosed = errors.New("cryptox: write to closed writer")

type writerOptions struct {
	nonce             []byte
	chunkSize         int
	algorithm         string
	plaintextFallback bool
}

// Option configures NewWriter.
type Option func(*writerOptions)

// WithNonce fixes the envelope nonce instead of drawing a random one.
func WithNonce(nonce []byte) Option {
	return func(o *writerOptions) { o.nonce = nonce }
}

// WithChunkSize sets the plaintext chunk size.
func WithChunkSize(size int) Option {
	return func(o *writerOptions) { o.chunkSize = size }
}

// WithAlgorithm selects the AEAD (AlgorithmAESGCM by default).
func WithAlgorithm(algorithm string) Option {
	return func(o *writerOptions) { o.algorithm = algorithm }
}

// WithPlaintextFallback allows a nil key, in which case data is written
// unchanged.
func WithPlaintextFallback(enabled bool) Option {
	return func(o *writerOptions) { o.plaintextFallback = enabled }
}

// Writer seals everything written to it into an envelope on dst. Close must
// be called to seal the final chunk; it does not close dst.
type Writer struct {
	dst       io.Writer
	aead      cipher.AEAD
	nonce     []byte
	aad       []byte
	chunkSize int
	index     uint64

	buf     []byte
	sealed  []byte
	scratch []byte

	closed bool
	err    error
}

type plaintextWriter struct {
	io.Writer
}

func (plaintextWriter) Close() error { return nil }

// NewWriter writes Magic and the header for key to dst and returns a writer
// for the plaintext. A nil key yields a passthrough writer when plaintext
// fallback is enabled and ErrPlaintextNotAllowed otherwise.
func NewWriter(dst io.Writer, key *Key, opts ...Option) (io.WriteCloser, error) {
	o := writerOptions{chunkSize: DefaultChunkSize, algorithm: AlgorithmAESGCM}
	for _, opt := range opts {
		opt(&o)
	}

	if key == nil {
		if !o.plaintextFallback {
			return nil, newError("encrypt", "", ErrPlaintextNotAllowed)
		}
		return plaintextWriter{dst}, nil
	}
	if key.Revoked {
		return nil, newError("encrypt", key.ID, ErrRevokedKey)
	}
	if o.chunkSize <= 0 || o.chunkSize > maxChunkSize {
		return nil, fmt.Errorf("cryptox: invalid chunk size %d", o.chunkSize)
	}

	aead, err := newAEAD(o.algorithm, key.Secret)
	if err != nil {
		return nil, newError("encrypt", key.ID, err)
	}

	nonce := o.nonce
	if nonce == nil {
		nonce = make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("cryptox: nonce: %w", err)
		}
	} else if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("cryptox: nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}

	aad, err := json.Marshal(header{
		KeyID:     key.ID,
		Nonce:     nonce,
		ChunkSize: o.chunkSize,
		Algorithm: o.algorithm,
	})
	if err != nil {
		return nil, err
	}

	prefix := make([]byte, 0, len(Magic)+len(aad)+1)
	prefix = append(prefix, Magic...)
	prefix = append(prefix, aad...)
	prefix = append(prefix, 0)
	if _, err := dst.Write(prefix); err != nil {
		return nil, err
	}

	return &Writer{
		dst:       dst,
		aead:      aead,
		nonce:     nonce,
		aad:       aad,
		chunkSize: o.chunkSize,
		buf:       make([]byte, 0, o.chunkSize),
	}, nil
}

// Write buffers p and seals every completed chunk.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errWriterClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	written := 0
	for len(p) > 0 {
		// A full buffer is only sealed once more data arrives; until then it
		// may still turn out to be the final chunk.
		if len(w.buf) == w.chunkSize {
			if err := w.seal(false); err != nil {
				w.err = err
				return written, err
			}
		}
		n := min(w.chunkSize-len(w.buf), len(p))
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		written += n
	}
	return written, nil
}

// Close seals the final chunk. An empty plaintext still produces one empty
// sealed chunk.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	err := w.seal(true)
	clear(w.buf[:cap(w.buf)])
	return err
}

func (w *Writer) seal(final bool) error {
	w.scratch = chunkNonce(w.scratch, w.nonce, w.index, final)
	w.sealed = w.aead.Seal(w.sealed[:0], w.scratch, w.buf, w.aad)
	if _, err := w.dst.Write(w.sealed); err != nil {
		return err
	}
	w.index++
	w.buf = w.buf[:0]
	return nil
}

// Encrypt copies src into an envelope on dst, sealed under key.
func Encrypt(dst io.Writer, src io.Reader, key *Key, opts ...Option) error {
	w, err := NewWriter(dst, key, opts...)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
