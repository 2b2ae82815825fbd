package certification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/attestra/certanchor/internal/ledger"
)

// Verifier recomputes and cross-checks everything a package claims. It is
// designed to run with no trust assumptions on the caller: read access to
// the ledger and the package JSON are enough, every check is computed
// independently and every failure becomes an entry in the result's error
// list. Verify never returns a Go error.
type Verifier struct {
	registry ledger.Registry
	keys     KeyLookup
	platform common.Address
	policy   QuorumPolicy
}

func NewVerifier(registry ledger.Registry, keys KeyLookup, platform common.Address, policy QuorumPolicy) *Verifier {
	return &Verifier{
		registry: registry,
		keys:     keys,
		platform: platform,
		policy:   policy,
	}
}

// Verify runs the full check set against a package.
func (v *Verifier) Verify(ctx context.Context, pkg *Package) Result {
	result := Result{
		OnChainStatus: OnChainNotFound,
		Errors:        []string{},
	}

	if pkg.SchemaVersion != SchemaVersion {
		result.Errors = append(result.Errors, fmt.Sprintf("unsupported schema version %q, want %q", pkg.SchemaVersion, SchemaVersion))
	}

	v.checkFingerprint(pkg, &result)
	v.checkPlatformSignature(pkg, &result)
	record := v.checkLedger(ctx, pkg, &result)
	v.checkReviewerSignatures(pkg, record, &result)

	reviewerOk := result.ReviewerSignaturesValid == nil || *result.ReviewerSignaturesValid
	quorumOk := result.QuorumSatisfied == nil || *result.QuorumSatisfied
	result.Verified = result.FingerprintMatch &&
		result.PlatformSignatureValid &&
		reviewerOk && quorumOk &&
		result.OnChainStatus == OnChainValid &&
		len(result.Errors) == 0

	return result
}

func (v *Verifier) checkFingerprint(pkg *Package, result *Result) {
	recomputed, err := Fingerprint(pkg)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fingerprint recomputation failed: %v", err))
		return
	}
	if recomputed != strings.ToLower(pkg.Anchor.Fingerprint) {
		result.Errors = append(result.Errors, "fingerprint mismatch: recomputed value differs from declared value")
		return
	}
	result.FingerprintMatch = true
}

func (v *Verifier) checkPlatformSignature(pkg *Package, result *Result) {
	sig := pkg.Signatures.Platform
	if sig == nil {
		result.Errors = append(result.Errors, "platform signature missing")
		return
	}
	recovered, err := RecoverPlatformSigner(pkg.Anchor.Fingerprint, sig.SignatureHex)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("platform signature unverifiable: %v", err))
		return
	}
	if recovered != common.HexToAddress(sig.SignerIdentity) {
		result.Errors = append(result.Errors, "platform signature signer does not match declared identity")
		return
	}
	if v.platform != (common.Address{}) && recovered != v.platform {
		result.Errors = append(result.Errors, "platform signature was not produced by the known platform identity")
		return
	}
	result.PlatformSignatureValid = true
}

func (v *Verifier) checkLedger(ctx context.Context, pkg *Package, result *Result) ledger.Record {
	fpHash := common.HexToHash("0x" + strings.ToLower(pkg.Anchor.Fingerprint))
	record, err := v.registry.GetRecord(ctx, fpHash)
	if err != nil {
		result.Errors = append(result.Errors, "ledger record unavailable")
		return ledger.Record{}
	}
	switch record.Status {
	case ledger.StatusValid:
		result.OnChainStatus = OnChainValid
	case ledger.StatusRevoked:
		result.OnChainStatus = OnChainRevoked
		result.Errors = append(result.Errors, "certification has been revoked on the ledger")
	case ledger.StatusSuperseded:
		result.OnChainStatus = OnChainSuperseded
		result.Errors = append(result.Errors, fmt.Sprintf("certification superseded by %s", record.SupersededBy.Hex()))
	default:
		result.OnChainStatus = OnChainNotFound
		result.Errors = append(result.Errors, "fingerprint not anchored: no ledger record found")
	}
	return record
}

func (v *Verifier) checkReviewerSignatures(pkg *Package, record ledger.Record, result *Result) {
	sigs := pkg.Signatures.Reviewers
	if len(sigs) == 0 {
		// Reviewer co-signing not in use for this package; quorum may
		// still be evaluated (as failed) if the policy demands it.
		if v.policy.Mode == QuorumMofN {
			satisfied := false
			result.QuorumSatisfied = &satisfied
			result.Errors = append(result.Errors, fmt.Sprintf("quorum not satisfied: 0 of %d required co-signatures", v.policy.M))
		}
		return
	}

	// Signing happened before anchoring; the registration timestamp is the
	// closest ledger-attested bound we have for key validity.
	signedAt := record.RegisteredAt
	if signedAt.IsZero() {
		signedAt = time.Now()
	}

	allValid := true
	validSigners := map[string]bool{}
	for _, sig := range sigs {
		key, err := v.keys.KeyFor(sig.ReviewerID, signedAt)
		if err != nil {
			allValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("reviewer %s: no usable registered key", sig.ReviewerID))
			continue
		}
		if err := verifyReviewerSignature(pkg.Anchor.Fingerprint, sig, key); err != nil {
			allValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("reviewer %s: invalid signature", sig.ReviewerID))
			continue
		}
		validSigners[sig.ReviewerID] = true
	}
	result.ReviewerSignaturesValid = &allValid

	result.QuorumSatisfied = EvaluateQuorum(v.policy, validSigners)
	if result.QuorumSatisfied != nil && !*result.QuorumSatisfied {
		result.Errors = append(result.Errors, fmt.Sprintf("quorum not satisfied: %d of %d required co-signatures", len(validSigners), v.policy.M))
	}
}
