package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Magic prefixes every encrypted value.
var Magic = []byte("<sealed>")

// Supported AEAD algorithms.
const (
	AlgorithmAESGCM            = "AES-GCM"
	AlgorithmXChaCha20Poly1305 = "XCHACHA20-POLY1305"
)

const (
	// DefaultChunkSize is the plaintext size of every chunk but the last.
	DefaultChunkSize = 64 * 1024

	maxChunkSize  = 16 << 20
	maxHeaderSize = 4096

	// finalChunkFlag is mixed into the first nonce byte of the last chunk, so
	// dropping trailing chunks is detected.
	finalChunkFlag = 0x80
)

type header struct {
	KeyID     string `json:"key_id"`
	Nonce     []byte `json:"nonce"`
	ChunkSize int    `json:"chunk_size"`
	Algorithm string `json:"algorithm"`
}

func (h *header) validate() error {
	if h.KeyID == "" || len(h.Nonce) == 0 {
		return ErrMalformedHeader
	}
	if h.ChunkSize <= 0 || h.ChunkSize > maxChunkSize {
		return ErrMalformedHeader
	}
	switch h.Algorithm {
	case AlgorithmAESGCM, AlgorithmXChaCha20Poly1305:
		return nil
	default:
		return ErrMalformedHeader
	}
}

func newAEAD(algorithm string, secret []byte) (cipher.AEAD, error) {
	if len(secret) != KeySize {
		return nil, ErrInvalidKey
	}
	switch algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(secret)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgorithmXChaCha20Poly1305:
		return chacha20poly1305.NewX(secret)
	default:
		return nil, ErrMalformedHeader
	}
}

// chunkNonce derives the nonce of chunk index from the envelope nonce: the
// big-endian index is XORed into the trailing 8 bytes.
func chunkNonce(dst, base []byte, index uint64, final bool) []byte {
	dst = append(dst[:0], base...)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], index)
	off := len(dst) - len(ctr)
	for i := range ctr {
		dst[off+i] ^= ctr[i]
	}
	if final {
		dst[0] ^= finalChunkFlag
	}
	return dst
}

// readPrefix reads Magic and the header from r. encrypted is false when the
// value does not start with the full Magic; in that case nothing else is
// parsed. headerLen is the number of bytes consumed up to and including the
// separator.
func readPrefix(r io.Reader) (h *header, raw []byte, headerLen int, encrypted bool, err error) {
	prefix := make([]byte, len(Magic))
	n, err := io.ReadFull(r, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, 0, false, err
	}
	if n < len(Magic) || !bytes.Equal(prefix, Magic) {
		return nil, nil, 0, false, nil
	}

	buf := make([]byte, maxHeaderSize+1)
	n, err = io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, 0, true, err
	}
	end := bytes.IndexByte(buf[:n], 0)
	if end < 0 {
		return nil, nil, 0, true, newError("read header", "", ErrMalformedHeader)
	}

	raw = buf[:end:end]
	h = &header{}
	if err := json.Unmarshal(raw, h); err != nil {
		return nil, nil, 0, true, newError("read header", "", fmt.Errorf("%w: %v", ErrMalformedHeader, err))
	}
	if err := h.validate(); err != nil {
		return nil, nil, 0, true, newError("read header", h.KeyID, err)
	}
	return h, raw, len(Magic) + end + 1, true, nil
}

// PeekKeyID reports which key an envelope read from r is sealed with. It
// returns "" and false for plaintext values.
func PeekKeyID(r io.Reader) (keyID string, encrypted bool, err error) {
	h, _, _, encrypted, err := readPrefix(r)
	if err != nil || !encrypted {
		return "", encrypted, err
	}
	return h.KeyID, true, nil
}
