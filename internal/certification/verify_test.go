package certification

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/attestra/certanchor/internal/ledger"
)

// testEnv wires a signed package, a memory registry and a verifier.
type testEnv struct {
	signer   *Signer
	registry ledger.Registry
	memory   *ledger.Memory
	lookup   *stubKeys
	cosigner *localCoSigner
	pkg      *Package
}

func newTestEnv(t *testing.T, policy QuorumPolicy, reviewerIDs ...string) *testEnv {
	t.Helper()
	signer := newTestSigner(t)
	memory := ledger.NewMemory(signer.Identity())
	cosigner, lookup := newReviewerKeys(t, reviewerIDs...)

	pkg, err := BuildPackage(sampleOutcome(), sampleConfig())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	pkg.Signatures.Platform, err = signer.SignFingerprint(pkg.Anchor.Fingerprint)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if policy.Mode == QuorumMofN {
		pkg.Signatures.Reviewers, err = CollectCoSignatures(cosigner, pkg.Anchor.Fingerprint, pkg.Certificate.AuditSummary.Reviewers, policy)
		if err != nil {
			t.Fatalf("cosign: %v", err)
		}
	}

	return &testEnv{
		signer:   signer,
		registry: memory.Session(signer.Identity()),
		memory:   memory,
		lookup:   lookup,
		cosigner: cosigner,
		pkg:      pkg,
	}
}

func (e *testEnv) anchor(t *testing.T) {
	t.Helper()
	hash := common.HexToHash("0x" + e.pkg.Anchor.Fingerprint)
	if _, err := e.registry.Register(context.Background(), hash); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func (e *testEnv) verifier(policy QuorumPolicy) *Verifier {
	return NewVerifier(e.registry, e.lookup, e.signer.Identity(), policy)
}

func hasErrorContaining(result Result, fragment string) bool {
	for _, msg := range result.Errors {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func Test_Verify_happyPath(t *testing.T) {
	env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
	env.anchor(t)

	result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
	if !result.Verified {
		t.Fatalf("expected verified, got errors %v", result.Errors)
	}
	if !result.FingerprintMatch || !result.PlatformSignatureValid {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.ReviewerSignaturesValid != nil || result.QuorumSatisfied != nil {
		t.Fatal("reviewer checks must be not-applicable without co-signing")
	}
	if result.OnChainStatus != OnChainValid {
		t.Fatalf("expected on-chain valid, got %s", result.OnChainStatus)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
}

func Test_Verify_tamperedCertificate(t *testing.T) {
	env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
	env.anchor(t)

	// Flip one character in the contract scope.
	scope := env.pkg.Certificate.ContractTerms.Scope
	env.pkg.Certificate.ContractTerms.Scope = "X" + scope[1:]

	result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
	if result.Verified {
		t.Fatal("expected verification failure")
	}
	if result.FingerprintMatch {
		t.Fatal("expected fingerprint mismatch")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected exactly one error entry, got %v", result.Errors)
	}
	if !hasErrorContaining(result, "fingerprint mismatch") {
		t.Fatalf("expected a fingerprint mismatch entry, got %v", result.Errors)
	}
}

func Test_Verify_notAnchored(t *testing.T) {
	env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
	// Deliberately not anchored.

	result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
	if result.Verified {
		t.Fatal("expected verification failure")
	}
	if result.OnChainStatus != OnChainNotFound {
		t.Fatalf("expected not_found, got %s", result.OnChainStatus)
	}
	if !hasErrorContaining(result, "not anchored") {
		t.Fatalf("expected a not-anchored entry, got %v", result.Errors)
	}
	// Fingerprint and platform signature checks still ran and passed.
	if !result.FingerprintMatch || !result.PlatformSignatureValid {
		t.Fatalf("independent checks must still be computed: %+v", result)
	}
}

func Test_Verify_revokedAndSuperseded(t *testing.T) {
	t.Run("revoked", func(t *testing.T) {
		env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
		env.anchor(t)
		hash := common.HexToHash("0x" + env.pkg.Anchor.Fingerprint)
		if _, err := env.registry.Revoke(context.Background(), hash, "policy violation"); err != nil {
			t.Fatalf("revoke: %v", err)
		}

		result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
		if result.Verified {
			t.Fatal("expected verification failure")
		}
		if result.OnChainStatus != OnChainRevoked {
			t.Fatalf("expected revoked, got %s", result.OnChainStatus)
		}
		if !hasErrorContaining(result, "revoked") {
			t.Fatalf("expected a revocation entry, got %v", result.Errors)
		}
	})

	t.Run("superseded", func(t *testing.T) {
		env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
		env.anchor(t)
		hash := common.HexToHash("0x" + env.pkg.Anchor.Fingerprint)
		replacement := common.HexToHash("0xdddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd")
		if _, err := env.registry.Supersede(context.Background(), hash, replacement); err != nil {
			t.Fatalf("supersede: %v", err)
		}

		result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
		if result.Verified {
			t.Fatal("expected verification failure")
		}
		if result.OnChainStatus != OnChainSuperseded {
			t.Fatalf("expected superseded, got %s", result.OnChainStatus)
		}
		if !hasErrorContaining(result, "superseded") {
			t.Fatalf("expected a supersession entry, got %v", result.Errors)
		}
	})
}

func Test_Verify_platformSignature(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
		env.anchor(t)
		env.pkg.Signatures.Platform = nil

		result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
		if result.PlatformSignatureValid {
			t.Fatal("expected platform signature invalid")
		}
		if !hasErrorContaining(result, "platform signature missing") {
			t.Fatalf("expected a missing-signature entry, got %v", result.Errors)
		}
	})

	t.Run("wrong signer", func(t *testing.T) {
		env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
		env.anchor(t)

		// Re-sign with a different key; the declared identity matches the
		// impostor, but the verifier knows the platform identity.
		impostor := newTestSigner(t)
		sig, err := impostor.SignFingerprint(env.pkg.Anchor.Fingerprint)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		env.pkg.Signatures.Platform = sig

		result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
		if result.PlatformSignatureValid {
			t.Fatal("expected platform signature invalid")
		}
		if !hasErrorContaining(result, "known platform identity") {
			t.Fatalf("expected a wrong-identity entry, got %v", result.Errors)
		}
	})

	t.Run("garbage signature", func(t *testing.T) {
		env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
		env.anchor(t)
		env.pkg.Signatures.Platform.SignatureHex = "deadbeef"

		result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
		if result.PlatformSignatureValid {
			t.Fatal("expected platform signature invalid")
		}
	})
}

func Test_Verify_reviewerQuorum(t *testing.T) {
	policy := QuorumPolicy{Mode: QuorumMofN, M: 2, N: 3}

	t.Run("quorum satisfied", func(t *testing.T) {
		env := newTestEnv(t, policy, "rev-1", "rev-2", "rev-3")
		env.anchor(t)

		result := env.verifier(policy).Verify(context.Background(), env.pkg)
		if !result.Verified {
			t.Fatalf("expected verified, got errors %v", result.Errors)
		}
		if result.ReviewerSignaturesValid == nil || !*result.ReviewerSignaturesValid {
			t.Fatal("expected reviewer signatures valid")
		}
		if result.QuorumSatisfied == nil || !*result.QuorumSatisfied {
			t.Fatal("expected quorum satisfied")
		}
	})

	t.Run("below threshold", func(t *testing.T) {
		// Only one reviewer holds a key; collection yields one signature.
		env := newTestEnv(t, policy, "rev-1")
		env.anchor(t)

		result := env.verifier(policy).Verify(context.Background(), env.pkg)
		if result.Verified {
			t.Fatal("expected verification failure")
		}
		if result.QuorumSatisfied == nil || *result.QuorumSatisfied {
			t.Fatal("expected quorum unsatisfied")
		}
		if !hasErrorContaining(result, "quorum not satisfied") {
			t.Fatalf("expected a quorum entry, got %v", result.Errors)
		}
	})

	t.Run("no co-signatures under m-of-n policy", func(t *testing.T) {
		env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
		env.anchor(t)

		result := env.verifier(policy).Verify(context.Background(), env.pkg)
		if result.Verified {
			t.Fatal("expected verification failure")
		}
		if result.QuorumSatisfied == nil || *result.QuorumSatisfied {
			t.Fatal("expected quorum reported as unsatisfied, not not-applicable")
		}
	})

	t.Run("forged reviewer signature", func(t *testing.T) {
		env := newTestEnv(t, policy, "rev-1", "rev-2", "rev-3")
		env.anchor(t)
		// Swap one signature for another reviewer's.
		env.pkg.Signatures.Reviewers[0].SignatureHex = env.pkg.Signatures.Reviewers[1].SignatureHex

		result := env.verifier(policy).Verify(context.Background(), env.pkg)
		if result.ReviewerSignaturesValid == nil || *result.ReviewerSignaturesValid {
			t.Fatal("expected reviewer signatures invalid")
		}
		// Two genuine signatures remain, so quorum still holds but the
		// package does not verify.
		if result.QuorumSatisfied == nil || !*result.QuorumSatisfied {
			t.Fatal("expected quorum still satisfied by the remaining signers")
		}
		if result.Verified {
			t.Fatal("expected verification failure")
		}
	})
}

func Test_Verify_schemaVersion(t *testing.T) {
	env := newTestEnv(t, QuorumPolicy{Mode: QuorumNone})
	env.anchor(t)
	env.pkg.SchemaVersion = "certification/v999"

	result := env.verifier(QuorumPolicy{Mode: QuorumNone}).Verify(context.Background(), env.pkg)
	if result.Verified {
		t.Fatal("expected verification failure")
	}
	if !hasErrorContaining(result, "schema version") {
		t.Fatalf("expected a schema version entry, got %v", result.Errors)
	}
}
