// Package shamir implements Shamir's threshold secret sharing over GF(2^8).
//
// Every byte of the secret is the constant term of its own random polynomial
// of degree threshold-1. A share is the polynomial values at one x coordinate
// followed by that coordinate: y[0] .. y[n-1] || x.
package shamir

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
)

// MaxShares is the largest number of shares: x coordinates are non-zero bytes.
const MaxShares = 255

var (
	ErrInvalidThreshold = errors.New("shamir: invalid threshold or share count")
	ErrEmptySecret      = errors.New("shamir: empty secret")
	ErrMalformedShare   = errors.New("shamir: malformed share")
	ErrTooFewShares     = errors.New("shamir: not enough shares")
)

// Split divides secret into n shares, any threshold of which recombine it.
func Split(secret []byte, threshold, n int) ([][]byte, error) {
	if threshold < 1 || n < threshold || n > MaxShares {
		return nil, fmt.Errorf("%w: threshold=%d shares=%d", ErrInvalidThreshold, threshold, n)
	}
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	xs, err := randomCoordinates(n)
	if err != nil {
		return nil, err
	}

	shares := make([][]byte, n)
	for i := range shares {
		shares[i] = make([]byte, len(secret)+1)
		shares[i][len(secret)] = xs[i]
	}

	coeffs := make([]byte, threshold)
	defer clear(coeffs)
	for b, s := range secret {
		coeffs[0] = s
		if _, err := rand.Read(coeffs[1:]); err != nil {
			return nil, fmt.Errorf("shamir: random: %w", err)
		}
		for i, x := range xs {
			shares[i][b] = evaluate(coeffs, x)
		}
	}
	return shares, nil
}

// Combine reconstructs the secret from shares by Lagrange interpolation at
// x=0. Given fewer shares than the split threshold it returns garbage, not an
// error: the threshold is not recorded in the shares.
func Combine(shares [][]byte) ([]byte, error) {
	if len(shares) < 1 {
		return nil, ErrTooFewShares
	}
	size := len(shares[0])
	if size < 2 {
		return nil, ErrMalformedShare
	}

	xs := make([]byte, len(shares))
	seen := make(map[byte]struct{}, len(shares))
	for i, s := range shares {
		if len(s) != size {
			return nil, fmt.Errorf("%w: length mismatch", ErrMalformedShare)
		}
		x := s[size-1]
		if x == 0 {
			return nil, fmt.Errorf("%w: zero x coordinate", ErrMalformedShare)
		}
		if _, dup := seen[x]; dup {
			return nil, fmt.Errorf("%w: duplicate share", ErrMalformedShare)
		}
		seen[x] = struct{}{}
		xs[i] = x
	}

	// basis[i] is the Lagrange basis polynomial l_i evaluated at 0.
	basis := make([]byte, len(xs))
	for i, xi := range xs {
		num, den := byte(1), byte(1)
		for j, xj := range xs {
			if i == j {
				continue
			}
			num = mul(num, xj)
			den = mul(den, xi^xj)
		}
		basis[i] = div(num, den)
	}

	secret := make([]byte, size-1)
	for b := range secret {
		var v byte
		for i, s := range shares {
			v ^= mul(s[b], basis[i])
		}
		secret[b] = v
	}
	return secret, nil
}

// Validate checks that share is structurally a share of a secretLen-byte
// secret. It cannot tell a forged share from a genuine one.
func Validate(share []byte, secretLen int) error {
	if secretLen < 1 || len(share) != secretLen+1 {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedShare, secretLen+1, len(share))
	}
	if share[secretLen] == 0 {
		return fmt.Errorf("%w: zero x coordinate", ErrMalformedShare)
	}
	return nil
}

// Equal compares two shares in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// randomCoordinates picks n distinct non-zero x values.
func randomCoordinates(n int) ([]byte, error) {
	perm := make([]byte, MaxShares)
	for i := range perm {
		perm[i] = byte(i + 1)
	}
	var r [1]byte
	for i := len(perm) - 1; i > 0; i-- {
		// Rejection sampling keeps the shuffle unbiased.
		limit := byte(256 - 256%(i+1))
		for {
			if _, err := rand.Read(r[:]); err != nil {
				return nil, fmt.Errorf("shamir: random: %w", err)
			}
			if limit == 0 || r[0] < limit {
				break
			}
		}
		j := int(r[0]) % (i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:n], nil
}

// evaluate computes the polynomial at x with Horner's rule.
func evaluate(coeffs []byte, x byte) byte {
	var v byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		v = mul(v, x) ^ coeffs[i]
	}
	return v
}
