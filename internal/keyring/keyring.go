// Package keyring tracks the registered reviewer signing keys used to
// validate certification co-signatures.
package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyStatus is the lifecycle state of an auditor key.
type KeyStatus string

const (
	StatusActive  KeyStatus = "active"
	StatusRevoked KeyStatus = "revoked"
	StatusRotated KeyStatus = "rotated"
)

// AlgorithmSecp256k1 is the only signature scheme currently registered.
const AlgorithmSecp256k1 = "ecdsa-secp256k1"

var (
	ErrKeyNotFound   = errors.New("auditor key not found")
	ErrKeyRetired    = errors.New("auditor key is not usable")
	ErrKeyExists     = errors.New("auditor already has an active key")
	ErrInvalidPubKey = errors.New("invalid public key")
)

// Key is one registered auditor public key. A key is immutable once
// superseded by rotation; the rotated row keeps its validity window so
// signatures made while it was current can still be checked.
type Key struct {
	AuditorID      string     `json:"auditorId"`
	PublicKeyHex   string     `json:"publicKeyHex"`
	KeyFingerprint string     `json:"keyFingerprint"`
	Algorithm      string     `json:"algorithm"`
	Status         KeyStatus  `json:"status"`
	ValidFrom      time.Time  `json:"validFrom"`
	ValidUntil     *time.Time `json:"validUntil,omitempty"`
	RotationReason string     `json:"rotationReason,omitempty"`
}

// UsableAt reports whether the key may validate a signature made at t:
// either currently active, or rotated with a validity window covering t.
func (k Key) UsableAt(t time.Time) bool {
	switch k.Status {
	case StatusActive:
		return !t.Before(k.ValidFrom)
	case StatusRotated:
		return !t.Before(k.ValidFrom) && k.ValidUntil != nil && !t.After(*k.ValidUntil)
	default:
		return false
	}
}

// Store is the persistence boundary for auditor keys.
type Store interface {
	InsertKey(key Key) error
	UpdateKey(key Key) error
	ActiveKey(auditorID string) (Key, error)
	KeysFor(auditorID string) ([]Key, error)
	AllActiveKeys() ([]Key, error)
}

// Registry is the administrative service over the key store.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Register creates the active key for an auditor. Fails if one already
// exists; rotation is the only way to replace a key.
func (r *Registry) Register(auditorID, publicKeyHex string) (Key, error) {
	if auditorID == "" {
		return Key{}, fmt.Errorf("%w: empty auditor id", ErrInvalidPubKey)
	}
	fingerprint, err := fingerprintPublicKey(publicKeyHex)
	if err != nil {
		return Key{}, err
	}
	if _, err := r.store.ActiveKey(auditorID); err == nil {
		return Key{}, fmt.Errorf("%w: %s", ErrKeyExists, auditorID)
	}
	key := Key{
		AuditorID:      auditorID,
		PublicKeyHex:   normalizeHex(publicKeyHex),
		KeyFingerprint: fingerprint,
		Algorithm:      AlgorithmSecp256k1,
		Status:         StatusActive,
		ValidFrom:      time.Now().UTC(),
	}
	if err := r.store.InsertKey(key); err != nil {
		return Key{}, fmt.Errorf("failed to store auditor key: %w", err)
	}
	return key, nil
}

// Rotate retires the current active key and installs a new one. The old row
// becomes rotated with a closed validity window and is immutable afterwards.
func (r *Registry) Rotate(auditorID, newPublicKeyHex, reason string) (Key, error) {
	old, err := r.store.ActiveKey(auditorID)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s", ErrKeyNotFound, auditorID)
	}
	fingerprint, err := fingerprintPublicKey(newPublicKeyHex)
	if err != nil {
		return Key{}, err
	}

	now := time.Now().UTC()
	old.Status = StatusRotated
	old.ValidUntil = &now
	old.RotationReason = reason
	if err := r.store.UpdateKey(old); err != nil {
		return Key{}, fmt.Errorf("failed to retire auditor key: %w", err)
	}

	replacement := Key{
		AuditorID:      auditorID,
		PublicKeyHex:   normalizeHex(newPublicKeyHex),
		KeyFingerprint: fingerprint,
		Algorithm:      AlgorithmSecp256k1,
		Status:         StatusActive,
		ValidFrom:      now,
	}
	if err := r.store.InsertKey(replacement); err != nil {
		return Key{}, fmt.Errorf("failed to store replacement key: %w", err)
	}
	return replacement, nil
}

// Revoke permanently retires an auditor's active key.
func (r *Registry) Revoke(auditorID string) error {
	key, err := r.store.ActiveKey(auditorID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, auditorID)
	}
	now := time.Now().UTC()
	key.Status = StatusRevoked
	key.ValidUntil = &now
	if err := r.store.UpdateKey(key); err != nil {
		return fmt.Errorf("failed to revoke auditor key: %w", err)
	}
	return nil
}

// KeyFor returns the auditor key usable at time t. If the active key does
// not cover t, rotated keys with a matching validity window are considered.
func (r *Registry) KeyFor(auditorID string, t time.Time) (Key, error) {
	keys, err := r.store.KeysFor(auditorID)
	if err != nil || len(keys) == 0 {
		return Key{}, fmt.Errorf("%w: %s", ErrKeyNotFound, auditorID)
	}
	for _, key := range keys {
		if key.Status == StatusActive && key.UsableAt(t) {
			return key, nil
		}
	}
	for _, key := range keys {
		if key.UsableAt(t) {
			return key, nil
		}
	}
	return Key{}, fmt.Errorf("%w: no key for %s usable at %s", ErrKeyRetired, auditorID, t.Format(time.RFC3339))
}

// ActiveCount returns the number of distinct auditors with an active key,
// the N in the M-of-N quorum policy.
func (r *Registry) ActiveCount() (int, error) {
	keys, err := r.store.AllActiveKeys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func normalizeHex(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

// fingerprintPublicKey validates an uncompressed secp256k1 public key and
// returns the keccak hash of its bytes as the key fingerprint.
func fingerprintPublicKey(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(normalizeHex(publicKeyHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	if _, err := crypto.UnmarshalPubkey(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return hex.EncodeToString(crypto.Keccak256(raw)), nil
}
