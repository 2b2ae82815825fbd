package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	owner    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	issuer   = common.HexToAddress("0x1000000000000000000000000000000000000002")
	revoker  = common.HexToAddress("0x1000000000000000000000000000000000000003")
	stranger = common.HexToAddress("0x1000000000000000000000000000000000000004")

	h1 = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	h2 = common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	h3 = common.HexToHash("0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
)

func Test_Register(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(owner).Session(owner)

	ref, err := reg.Register(ctx, h1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ref.TxHash == (common.Hash{}) || ref.Block == 0 {
		t.Fatalf("expected a transaction reference, got %+v", ref)
	}

	rec, err := reg.GetRecord(ctx, h1)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != StatusValid {
		t.Fatalf("expected VALID, got %s", rec.Status)
	}
	if rec.Issuer != owner {
		t.Fatalf("expected issuer %s, got %s", owner, rec.Issuer)
	}
	if rec.RegisteredAt.IsZero() {
		t.Fatal("expected a registration timestamp")
	}

	// A second register of the same hash must fail with no state change.
	if _, err := reg.Register(ctx, h1); !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
	again, _ := reg.GetRecord(ctx, h1)
	if again != rec {
		t.Fatalf("duplicate register changed state: %+v vs %+v", again, rec)
	}
}

func Test_RevokeLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(owner).Session(owner)

	if _, err := reg.Register(ctx, h1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Revoke(ctx, h1, "policy violation"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	valid, _ := reg.IsValid(ctx, h1)
	if valid {
		t.Fatal("expected revoked hash to be invalid")
	}

	// REVOKED is terminal.
	if _, err := reg.Revoke(ctx, h1, "again"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := reg.Supersede(ctx, h1, h2); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on superseding revoked, got %v", err)
	}
	if _, err := reg.Register(ctx, h1); !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration on re-register, got %v", err)
	}
}

func Test_Supersede(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(owner).Session(owner)

	if _, err := reg.Register(ctx, h1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Supersede(ctx, h1, h2); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	oldRec, _ := reg.GetRecord(ctx, h1)
	if oldRec.Status != StatusSuperseded {
		t.Fatalf("expected SUPERSEDED, got %s", oldRec.Status)
	}
	if oldRec.SupersededBy != h2 {
		t.Fatalf("expected supersededBy %s, got %s", h2, oldRec.SupersededBy)
	}
	valid, _ := reg.IsValid(ctx, h2)
	if !valid {
		t.Fatal("expected replacement hash to be valid")
	}

	// SUPERSEDED is terminal and the replacement must have been NONE.
	if _, err := reg.Revoke(ctx, h1, "too late"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := reg.Register(ctx, h3); err != nil {
		t.Fatalf("register h3: %v", err)
	}
	if _, err := reg.Supersede(ctx, h2, h3); !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration for registered replacement, got %v", err)
	}
	// The failed supersede must not have touched h2.
	rec, _ := reg.GetRecord(ctx, h2)
	if rec.Status != StatusValid {
		t.Fatalf("half-applied supersede: h2 is %s", rec.Status)
	}
}

func Test_UnknownHashReads(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(owner).Session(stranger)

	rec, err := reg.GetRecord(ctx, h1)
	if err != nil {
		t.Fatalf("reads must never fail: %v", err)
	}
	if rec.Status != StatusNone {
		t.Fatalf("expected NONE, got %s", rec.Status)
	}
	valid, err := reg.IsValid(ctx, h1)
	if err != nil || valid {
		t.Fatalf("expected invalid unknown hash, got %v %v", valid, err)
	}
}

func Test_RoleChecks(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(owner)
	ownerSess := mem.Session(owner)
	strangerSess := mem.Session(stranger)

	if _, err := strangerSess.Register(ctx, h1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := strangerSess.AddIssuer(ctx, issuer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on non-owner role admin, got %v", err)
	}

	if err := ownerSess.AddIssuer(ctx, issuer); err != nil {
		t.Fatalf("add issuer: %v", err)
	}
	if err := ownerSess.AddIssuer(ctx, issuer); !errors.Is(err, ErrRoleExists) {
		t.Fatalf("expected ErrRoleExists on duplicate add, got %v", err)
	}
	if err := ownerSess.AddIssuer(ctx, common.Address{}); !errors.Is(err, ErrZeroIdentity) {
		t.Fatalf("expected ErrZeroIdentity, got %v", err)
	}
	if err := ownerSess.RemoveRevoker(ctx, revoker); !errors.Is(err, ErrRoleMissing) {
		t.Fatalf("expected ErrRoleMissing on removing non-member, got %v", err)
	}

	if _, err := mem.Session(issuer).Register(ctx, h1); err != nil {
		t.Fatalf("register as issuer: %v", err)
	}
	// The issuer role does not grant revocation.
	if _, err := mem.Session(issuer).Revoke(ctx, h1, "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := ownerSess.AddRevoker(ctx, revoker); err != nil {
		t.Fatalf("add revoker: %v", err)
	}
	if _, err := mem.Session(revoker).Revoke(ctx, h1, "compromised"); err != nil {
		t.Fatalf("revoke as revoker: %v", err)
	}

	if err := ownerSess.RemoveIssuer(ctx, issuer); err != nil {
		t.Fatalf("remove issuer: %v", err)
	}
	if _, err := mem.Session(issuer).Register(ctx, h2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after removal, got %v", err)
	}
}

func Test_TransferOwnership(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(owner)

	if err := mem.Session(stranger).TransferOwnership(ctx, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := mem.Session(owner).TransferOwnership(ctx, common.Address{}); !errors.Is(err, ErrZeroIdentity) {
		t.Fatalf("expected ErrZeroIdentity, got %v", err)
	}
	if err := mem.Session(owner).TransferOwnership(ctx, stranger); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := mem.Session(owner).AddIssuer(ctx, issuer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected old owner to lose admin rights, got %v", err)
	}
	if err := mem.Session(stranger).AddIssuer(ctx, issuer); err != nil {
		t.Fatalf("new owner admin: %v", err)
	}
}

func Test_ConcurrentRegister(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(owner).Session(owner)

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Register(ctx, h1); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful registration, got %d", count)
	}
}

func Test_ConcurrentRevoke(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(owner).Session(owner)
	if _, err := reg.Register(ctx, h1); err != nil {
		t.Fatalf("register: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Revoke(ctx, h1, "race"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful revocation, got %d", count)
	}
}

func Test_Events(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(owner)
	sess := mem.Session(owner)

	if _, err := sess.Register(ctx, h1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := sess.Supersede(ctx, h1, h2); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if _, err := sess.Revoke(ctx, h2, "withdrawn"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	events := mem.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventRegistered || events[0].Hash != h1 {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Type != EventSuperseded || events[1].Hash != h1 || events[1].NewHash != h2 {
		t.Fatalf("unexpected supersession event %+v", events[1])
	}
	if events[2].Type != EventRevoked || events[2].Reason != "withdrawn" {
		t.Fatalf("unexpected revocation event %+v", events[2])
	}
}
