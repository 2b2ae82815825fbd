// Package ledger defines the registry port for anchoring certification
// fingerprints, together with an in-memory double and an EVM-backed
// production adapter. A fingerprint moves through a strict lifecycle:
// NONE -> VALID -> {REVOKED | SUPERSEDED}, with the two terminal states
// never leaving.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a registered fingerprint.
type Status uint8

const (
	StatusNone Status = iota
	StatusValid
	StatusRevoked
	StatusSuperseded
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusRevoked:
		return "REVOKED"
	case StatusSuperseded:
		return "SUPERSEDED"
	default:
		return "NONE"
	}
}

// Record is the per-fingerprint ledger state. The zero Record is the
// NONE-equivalent default returned for hashes that were never registered.
type Record struct {
	Issuer       common.Address
	RegisteredAt time.Time
	Status       Status
	SupersededBy common.Hash
}

// TxRef identifies the ledger transaction that applied a write.
type TxRef struct {
	TxHash common.Hash
	Block  uint64
}

var (
	ErrDuplicateRegistration  = errors.New("fingerprint already registered")
	ErrInvalidStateTransition = errors.New("invalid ledger state transition")
	ErrUnauthorized           = errors.New("caller lacks required ledger role")
	ErrZeroIdentity           = errors.New("zero identity")
	ErrRoleExists             = errors.New("identity already holds role")
	ErrRoleMissing            = errors.New("identity does not hold role")
	ErrUnavailable            = errors.New("ledger unavailable")
)

// Registry is the ledger port. Writes are atomic per fingerprint: no two
// concurrent callers can both observe VALID and both succeed in revoking,
// or both register the same hash. Reads never fail for unknown hashes.
// The caller identity is bound at construction time (an adapter signs with
// its own key; the in-memory double binds it via Session).
type Registry interface {
	Register(ctx context.Context, hash common.Hash) (TxRef, error)
	Revoke(ctx context.Context, hash common.Hash, reason string) (TxRef, error)
	Supersede(ctx context.Context, oldHash, newHash common.Hash) (TxRef, error)

	AddIssuer(ctx context.Context, identity common.Address) error
	RemoveIssuer(ctx context.Context, identity common.Address) error
	AddRevoker(ctx context.Context, identity common.Address) error
	RemoveRevoker(ctx context.Context, identity common.Address) error
	TransferOwnership(ctx context.Context, identity common.Address) error

	GetRecord(ctx context.Context, hash common.Hash) (Record, error)
	IsValid(ctx context.Context, hash common.Hash) (bool, error)
}

// EventType tags registry events.
type EventType string

const (
	EventRegistered        EventType = "registered"
	EventRevoked           EventType = "revoked"
	EventSuperseded        EventType = "superseded"
	EventIssuerAdded       EventType = "issuer_added"
	EventIssuerRemoved     EventType = "issuer_removed"
	EventRevokerAdded      EventType = "revoker_added"
	EventRevokerRemoved    EventType = "revoker_removed"
	EventOwnershipTransfer EventType = "ownership_transferred"
)

// Event carries enough data for an off-chain indexer to reconstruct the
// full registry history without additional reads.
type Event struct {
	Type     EventType
	Hash     common.Hash
	NewHash  common.Hash
	Identity common.Address
	Caller   common.Address
	Reason   string
	At       time.Time
}
