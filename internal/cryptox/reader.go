package cryptox

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// Reader is a seekable view over the plaintext of an envelope. Chunks are
// authenticated independently, so a seek only decrypts the chunk holding the
// target offset.
type Reader struct {
	src       io.ReadSeeker
	aead      cipher.AEAD
	nonce     []byte
	aad       []byte
	keyID     string
	chunkSize int64

	dataStart  int64
	sealedSize int64
	chunks     int64
	size       int64
	pos        int64

	cur     int64
	finalOK bool
	plain   []byte
	sealed  []byte
	scratch []byte

	err error
}

type plaintextReader struct {
	io.ReadSeeker
}

func (r plaintextReader) Close() error {
	if c, ok := r.ReadSeeker.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Open inspects src from its start. Envelopes are resolved against keys and
// returned as a *Reader; anything lacking the full Magic prefix is returned
// verbatim when plaintextFallback is set. Closing the result closes src if it
// implements io.Closer.
func Open(src io.ReadSeeker, keys KeyLookup, plaintextFallback bool) (io.ReadSeekCloser, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	h, raw, headerLen, encrypted, err := readPrefix(src)
	if err != nil {
		return nil, err
	}
	if !encrypted {
		if !plaintextFallback {
			return nil, newError("decrypt", "", ErrPlaintextNotAllowed)
		}
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return plaintextReader{src}, nil
	}

	key, err := keys.Get(h.KeyID)
	if err != nil {
		var cerr *CryptoError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, newError("decrypt", h.KeyID, fmt.Errorf("%w: %v", ErrMissingKey, err))
	}
	if key.Revoked {
		return nil, newError("decrypt", h.KeyID, ErrRevokedKey)
	}

	aead, err := newAEAD(h.Algorithm, key.Secret)
	if err != nil {
		return nil, newError("decrypt", h.KeyID, err)
	}
	if len(h.Nonce) != aead.NonceSize() {
		return nil, newError("decrypt", h.KeyID, ErrMalformedHeader)
	}

	end, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		src:        src,
		aead:       aead,
		nonce:      h.Nonce,
		aad:        raw,
		keyID:      h.KeyID,
		chunkSize:  int64(h.ChunkSize),
		dataStart:  int64(headerLen),
		sealedSize: end - int64(headerLen),
		cur:        -1,
	}

	overhead := int64(aead.Overhead())
	full := r.chunkSize + overhead
	if r.sealedSize < overhead {
		// There is always at least one (possibly empty) final chunk.
		return nil, newError("decrypt", h.KeyID, ErrIntegrity)
	}
	r.chunks = (r.sealedSize + full - 1) / full
	last := r.sealedSize - (r.chunks-1)*full
	if last < overhead {
		return nil, newError("decrypt", h.KeyID, ErrIntegrity)
	}
	// The writer only emits an empty final chunk for an empty plaintext.
	if last == overhead && r.chunks > 1 {
		return nil, newError("decrypt", h.KeyID, ErrIntegrity)
	}
	r.size = r.sealedSize - r.chunks*overhead

	return r, nil
}

// KeyID returns the id of the key the envelope is sealed with.
func (r *Reader) KeyID() string {
	return r.keyID
}

// Size returns the plaintext length.
func (r *Reader) Size() int64 {
	return r.size
}

// Read decrypts from the current position. At or past the end it returns
// 0, io.EOF.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if r.pos >= r.size {
		// EOF is only reported once the final chunk has authenticated.
		if !r.finalOK {
			if err := r.load(r.chunks - 1); err != nil {
				return 0, err
			}
		}
		return 0, io.EOF
	}

	idx := r.pos / r.chunkSize
	if idx != r.cur {
		if err := r.load(idx); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.plain[r.pos-idx*r.chunkSize:])
	r.pos += int64(n)
	return n, nil
}

// Seek sets the plaintext position. Seeking past the end is allowed and
// subsequent reads return io.EOF.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, errors.New("cryptox: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("cryptox: negative position")
	}

	r.pos = abs
	return abs, nil
}

// Close wipes buffered plaintext and closes the source.
func (r *Reader) Close() error {
	clear(r.plain[:cap(r.plain)])
	r.plain = nil
	r.cur = -1
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// load authenticates and decrypts chunk idx. Integrity failures are sticky.
func (r *Reader) load(idx int64) error {
	overhead := int64(r.aead.Overhead())
	full := r.chunkSize + overhead

	length := full
	final := idx == r.chunks-1
	if final {
		length = r.sealedSize - idx*full
	}

	if int64(cap(r.sealed)) < length {
		r.sealed = make([]byte, length)
	}
	r.sealed = r.sealed[:length]

	if _, err := r.src.Seek(r.dataStart+idx*full, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(r.src, r.sealed); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.err = newError("decrypt", r.keyID, ErrIntegrity)
			return r.err
		}
		return err
	}

	r.scratch = chunkNonce(r.scratch, r.nonce, uint64(idx), final)
	plain, err := r.aead.Open(r.plain[:0], r.scratch, r.sealed, r.aad)
	if err != nil {
		clear(r.plain[:cap(r.plain)])
		r.plain = r.plain[:0]
		r.cur = -1
		r.err = newError("decrypt", r.keyID, ErrIntegrity)
		return r.err
	}

	r.plain = plain
	r.cur = idx
	if final {
		r.finalOK = true
	}
	return nil
}

// Decrypt copies the plaintext of the value in src to dst.
func Decrypt(dst io.Writer, src io.ReadSeeker, keys KeyLookup, plaintextFallback bool) error {
	r, err := Open(src, keys, plaintextFallback)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, r)
	return err
}
