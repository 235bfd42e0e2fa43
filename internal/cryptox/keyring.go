package cryptox

import (
	"encoding/json"
	"fmt"
)

// KeySize is the required length of key material (AES-256 / XChaCha20).
const KeySize = 32

// Key is a named symmetric key.
type Key struct {
	ID      string
	Secret  []byte
	Revoked bool
}

// KeyLookup resolves key ids referenced by envelope headers.
type KeyLookup interface {
	Get(id string) (*Key, error)
}

// KeyMap is an ad-hoc KeyLookup, used for short-lived keys that never enter
// the process-wide Keyring (archive bundle keys, for example).
type KeyMap map[string]*Key

// Get returns the key with the given id or ErrMissingKey.
func (m KeyMap) Get(id string) (*Key, error) {
	k, ok := m[id]
	if !ok {
		return nil, newError("lookup", id, ErrMissingKey)
	}
	return k, nil
}

// Keyring is the process-wide key registry. It is built once from
// configuration and never mutated afterwards; variants are derived with
// WithoutDefault.
type Keyring struct {
	keys              map[string]*Key
	defaultID         string
	plaintextFallback bool
}

// NewKeyring validates keys and builds a Keyring. An empty defaultID means
// encryption is disabled and new values are written as plaintext, which in
// turn requires plaintextFallback.
func NewKeyring(keys []*Key, defaultID string, plaintextFallback bool) (*Keyring, error) {
	kr := &Keyring{
		keys:              make(map[string]*Key, len(keys)),
		defaultID:         defaultID,
		plaintextFallback: plaintextFallback,
	}

	for _, k := range keys {
		if k == nil || k.ID == "" {
			return nil, fmt.Errorf("%w: key without id", ErrInvalidKey)
		}
		if len(k.Secret) != KeySize {
			return nil, fmt.Errorf("%w: key %q must be %d bytes, got %d", ErrInvalidKey, k.ID, KeySize, len(k.Secret))
		}
		if _, dup := kr.keys[k.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate key id %q", ErrInvalidKey, k.ID)
		}
		secret := make([]byte, KeySize)
		copy(secret, k.Secret)
		kr.keys[k.ID] = &Key{ID: k.ID, Secret: secret, Revoked: k.Revoked}
	}

	if defaultID != "" {
		k, ok := kr.keys[defaultID]
		if !ok {
			return nil, fmt.Errorf("%w: default key %q is not configured", ErrInvalidKey, defaultID)
		}
		if k.Revoked {
			return nil, fmt.Errorf("%w: default key %q is revoked", ErrInvalidKey, defaultID)
		}
	}

	return kr, nil
}

// Get returns the key with the given id, revoked or not. Refusing revoked
// keys is the job of the cipher layer.
func (kr *Keyring) Get(id string) (*Key, error) {
	k, ok := kr.keys[id]
	if !ok {
		return nil, newError("lookup", id, ErrMissingKey)
	}
	return k, nil
}

// Default returns the key new data is encrypted with, or nil in plaintext mode.
func (kr *Keyring) Default() *Key {
	if kr.defaultID == "" {
		return nil
	}
	return kr.keys[kr.defaultID]
}

// DefaultID returns the id of the default key ("" in plaintext mode).
func (kr *Keyring) DefaultID() string {
	return kr.defaultID
}

// PlaintextFallback reports whether plaintext values are accepted.
func (kr *Keyring) PlaintextFallback() bool {
	return kr.plaintextFallback
}

// Len returns the number of configured keys.
func (kr *Keyring) Len() int {
	return len(kr.keys)
}

// WithoutDefault returns a keyring sharing the same keys, with the default
// key disabled and plaintext fallback forced on. Used to migrate data back
// to plaintext.
func (kr *Keyring) WithoutDefault() *Keyring {
	return &Keyring{keys: kr.keys, plaintextFallback: true}
}

// WithPlaintextFallback returns a keyring sharing the same keys and default
// with plaintext fallback forced on.
func (kr *Keyring) WithPlaintextFallback() *Keyring {
	return &Keyring{keys: kr.keys, defaultID: kr.defaultID, plaintextFallback: true}
}

type keyConfig struct {
	ID      string `json:"id"`
	Key     []byte `json:"key"`
	Revoked bool   `json:"revoked"`
}

// ParseKeys decodes the JSON key configuration:
//
//	[{"id": "2024-01", "key": "<base64, 32 bytes>", "revoked": false}]
func ParseKeys(data []byte) ([]*Key, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var cfg []keyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	keys := make([]*Key, 0, len(cfg))
	for _, c := range cfg {
		keys = append(keys, &Key{ID: c.ID, Secret: c.Key, Revoked: c.Revoked})
	}
	return keys, nil
}
