package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Memory is an in-process registry double that enforces the same state
// machine, role checks and atomicity invariants as the on-chain contract.
// A single mutex gives every transition compare-and-swap semantics per
// hash. It is used by unit tests and by local runs without an RPC endpoint.
type Memory struct {
	mu       sync.Mutex
	owner    common.Address
	issuers  map[common.Address]bool
	revokers map[common.Address]bool
	records  map[common.Hash]Record
	events   []Event
	seq      uint64
}

// NewMemory creates a registry owned by owner. The owner starts as both
// issuer and revoker, mirroring the contract constructor.
func NewMemory(owner common.Address) *Memory {
	return &Memory{
		owner:    owner,
		issuers:  map[common.Address]bool{owner: true},
		revokers: map[common.Address]bool{owner: true},
		records:  map[common.Hash]Record{},
	}
}

// Session binds a caller identity and returns a Registry view acting as
// that caller.
func (m *Memory) Session(caller common.Address) Registry {
	return &memorySession{reg: m, caller: caller}
}

// Events returns a copy of the emitted event log.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) emit(ev Event) {
	ev.At = time.Now()
	m.events = append(m.events, ev)
}

// nextTxRef synthesizes a deterministic pseudo transaction reference so the
// double reports anchor references the same way the real adapter does.
func (m *Memory) nextTxRef(hash common.Hash) TxRef {
	m.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], m.seq)
	return TxRef{
		TxHash: crypto.Keccak256Hash(hash.Bytes(), seq[:]),
		Block:  m.seq,
	}
}

func (m *Memory) register(caller common.Address, hash common.Hash) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.issuers[caller] {
		return TxRef{}, fmt.Errorf("%w: %s is not an issuer", ErrUnauthorized, caller)
	}
	if rec := m.records[hash]; rec.Status != StatusNone {
		return TxRef{}, fmt.Errorf("%w: %s is %s", ErrDuplicateRegistration, hash, rec.Status)
	}
	m.records[hash] = Record{
		Issuer:       caller,
		RegisteredAt: time.Now(),
		Status:       StatusValid,
	}
	m.emit(Event{Type: EventRegistered, Hash: hash, Caller: caller})
	return m.nextTxRef(hash), nil
}

func (m *Memory) revoke(caller common.Address, hash common.Hash, reason string) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.revokers[caller] {
		return TxRef{}, fmt.Errorf("%w: %s is not a revoker", ErrUnauthorized, caller)
	}
	rec := m.records[hash]
	if rec.Status != StatusValid {
		return TxRef{}, fmt.Errorf("%w: cannot revoke %s record %s", ErrInvalidStateTransition, rec.Status, hash)
	}
	rec.Status = StatusRevoked
	m.records[hash] = rec
	m.emit(Event{Type: EventRevoked, Hash: hash, Caller: caller, Reason: reason})
	return m.nextTxRef(hash), nil
}

func (m *Memory) supersede(caller common.Address, oldHash, newHash common.Hash) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.issuers[caller] {
		return TxRef{}, fmt.Errorf("%w: %s is not an issuer", ErrUnauthorized, caller)
	}
	oldRec := m.records[oldHash]
	if oldRec.Status != StatusValid {
		return TxRef{}, fmt.Errorf("%w: cannot supersede %s record %s", ErrInvalidStateTransition, oldRec.Status, oldHash)
	}
	if rec := m.records[newHash]; rec.Status != StatusNone {
		return TxRef{}, fmt.Errorf("%w: replacement %s is %s", ErrDuplicateRegistration, newHash, rec.Status)
	}
	// Both transitions land under the same lock hold, so no caller can
	// observe a half-applied supersession.
	oldRec.Status = StatusSuperseded
	oldRec.SupersededBy = newHash
	m.records[oldHash] = oldRec
	m.records[newHash] = Record{
		Issuer:       caller,
		RegisteredAt: time.Now(),
		Status:       StatusValid,
	}
	m.emit(Event{Type: EventSuperseded, Hash: oldHash, NewHash: newHash, Caller: caller})
	return m.nextTxRef(newHash), nil
}

func (m *Memory) setRole(caller, identity common.Address, roles map[common.Address]bool, add bool, addType, removeType EventType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.owner {
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller)
	}
	if identity == (common.Address{}) {
		return ErrZeroIdentity
	}
	if add {
		if roles[identity] {
			return fmt.Errorf("%w: %s", ErrRoleExists, identity)
		}
		roles[identity] = true
		m.emit(Event{Type: addType, Identity: identity, Caller: caller})
		return nil
	}
	if !roles[identity] {
		return fmt.Errorf("%w: %s", ErrRoleMissing, identity)
	}
	delete(roles, identity)
	m.emit(Event{Type: removeType, Identity: identity, Caller: caller})
	return nil
}

func (m *Memory) transferOwnership(caller, identity common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.owner {
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller)
	}
	if identity == (common.Address{}) {
		return ErrZeroIdentity
	}
	m.owner = identity
	m.emit(Event{Type: EventOwnershipTransfer, Identity: identity, Caller: caller})
	return nil
}

func (m *Memory) getRecord(hash common.Hash) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[hash]
}

type memorySession struct {
	reg    *Memory
	caller common.Address
}

func (s *memorySession) Register(_ context.Context, hash common.Hash) (TxRef, error) {
	return s.reg.register(s.caller, hash)
}

func (s *memorySession) Revoke(_ context.Context, hash common.Hash, reason string) (TxRef, error) {
	return s.reg.revoke(s.caller, hash, reason)
}

func (s *memorySession) Supersede(_ context.Context, oldHash, newHash common.Hash) (TxRef, error) {
	return s.reg.supersede(s.caller, oldHash, newHash)
}

func (s *memorySession) AddIssuer(_ context.Context, identity common.Address) error {
	return s.reg.setRole(s.caller, identity, s.reg.issuers, true, EventIssuerAdded, EventIssuerRemoved)
}

func (s *memorySession) RemoveIssuer(_ context.Context, identity common.Address) error {
	return s.reg.setRole(s.caller, identity, s.reg.issuers, false, EventIssuerAdded, EventIssuerRemoved)
}

func (s *memorySession) AddRevoker(_ context.Context, identity common.Address) error {
	return s.reg.setRole(s.caller, identity, s.reg.revokers, true, EventRevokerAdded, EventRevokerRemoved)
}

func (s *memorySession) RemoveRevoker(_ context.Context, identity common.Address) error {
	return s.reg.setRole(s.caller, identity, s.reg.revokers, false, EventRevokerAdded, EventRevokerRemoved)
}

func (s *memorySession) TransferOwnership(_ context.Context, identity common.Address) error {
	return s.reg.transferOwnership(s.caller, identity)
}

func (s *memorySession) GetRecord(_ context.Context, hash common.Hash) (Record, error) {
	return s.reg.getRecord(hash), nil
}

func (s *memorySession) IsValid(_ context.Context, hash common.Hash) (bool, error) {
	return s.reg.getRecord(hash).Status == StatusValid, nil
}
