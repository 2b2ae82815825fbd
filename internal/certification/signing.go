package certification

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/attestra/certanchor/internal/keyring"
)

// QuorumMode tags the co-signing policy variant.
type QuorumMode uint8

const (
	// QuorumNone disables reviewer co-signing; quorum is "not applicable".
	QuorumNone QuorumMode = iota
	// QuorumMofN requires at least M valid, distinct-signer co-signatures
	// out of N registered reviewer keys.
	QuorumMofN
)

// QuorumPolicy is the tagged co-signing policy. M and N are meaningful only
// in mode QuorumMofN.
type QuorumPolicy struct {
	Mode QuorumMode
	M    int
	N    int
}

func (p QuorumPolicy) String() string {
	if p.Mode == QuorumNone {
		return "none"
	}
	return fmt.Sprintf("%d/%d", p.M, p.N)
}

// Strict reports whether the policy demands a full signature set.
func (p QuorumPolicy) Strict() bool {
	return p.Mode == QuorumMofN && p.M == p.N
}

// ParseQuorumPolicy parses "none" or "m/n".
func ParseQuorumPolicy(s string) (QuorumPolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "none" {
		return QuorumPolicy{Mode: QuorumNone}, nil
	}
	var m, n int
	if _, err := fmt.Sscanf(s, "%d/%d", &m, &n); err != nil {
		return QuorumPolicy{}, fmt.Errorf("invalid quorum policy %q: %v", s, err)
	}
	if m < 1 || n < 1 || m > n {
		return QuorumPolicy{}, fmt.Errorf("invalid quorum policy %q: need 1 <= m <= n", s)
	}
	return QuorumPolicy{Mode: QuorumMofN, M: m, N: n}, nil
}

// personalPrefix is the EIP-191 personal-message prefix for the 32-byte
// fingerprint digest.
const personalPrefix = "\x19Ethereum Signed Message:\n32"

// signingDigest is the keccak hash actually signed for a fingerprint.
func signingDigest(fingerprint string) ([]byte, error) {
	raw, err := decodeFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte(personalPrefix), raw), nil
}

// Signer produces the platform signature over package fingerprints using
// the platform's secp256k1 key.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid platform signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Identity returns the platform's signer address.
func (s *Signer) Identity() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignFingerprint signs the fingerprint with the personal-message scheme
// and records the signer identity.
func (s *Signer) SignFingerprint(fingerprint string) (*PlatformSignature, error) {
	digest, err := signingDigest(fingerprint)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("platform signing failed: %w", err)
	}
	return &PlatformSignature{
		SignatureHex:   hex.EncodeToString(sig),
		SignerIdentity: s.Identity().Hex(),
	}, nil
}

// RecoverPlatformSigner recovers the address that produced a platform
// signature over the given fingerprint.
func RecoverPlatformSigner(fingerprint, signatureHex string) (common.Address, error) {
	digest, err := signingDigest(fingerprint)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("signature is not hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// verifyReviewerSignature checks one co-signature against a registered
// auditor key.
func verifyReviewerSignature(fingerprint string, sig ReviewerSignature, key keyring.Key) error {
	digest, err := signingDigest(fingerprint)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(sig.SignatureHex, "0x"))
	if err != nil {
		return fmt.Errorf("signature is not hex: %w", err)
	}
	if len(raw) < 64 {
		return fmt.Errorf("signature too short")
	}
	pub, err := hex.DecodeString(key.PublicKeyHex)
	if err != nil {
		return fmt.Errorf("registered key is not hex: %w", err)
	}
	// VerifySignature takes the 64-byte r||s form without the recovery id.
	if !crypto.VerifySignature(pub, digest, raw[:64]) {
		return fmt.Errorf("signature does not match registered key")
	}
	return nil
}

// CoSigner produces one reviewer co-signature over a fingerprint. The
// production collaborator calls out to reviewer-held keys; tests use a
// local key set.
type CoSigner interface {
	SignFingerprint(reviewerID, fingerprint string) (string, error)
}

// KeyLookup resolves a reviewer's registered key usable at a point in time.
type KeyLookup interface {
	KeyFor(auditorID string, at time.Time) (keyring.Key, error)
}

// CollectCoSignatures gathers one signature per reviewer. Under a lenient
// M-of-N policy, reviewers that fail to sign are skipped; under a strict
// full-collection policy (M == N) a missing signature aborts signing.
func CollectCoSignatures(cosigner CoSigner, fingerprint string, reviewers []string, policy QuorumPolicy) ([]ReviewerSignature, error) {
	if policy.Mode == QuorumNone || cosigner == nil {
		return nil, nil
	}
	var sigs []ReviewerSignature
	for _, reviewer := range reviewers {
		sigHex, err := cosigner.SignFingerprint(reviewer, fingerprint)
		if err != nil {
			if policy.Strict() {
				return nil, fmt.Errorf("required co-signature from %s missing: %w", reviewer, err)
			}
			continue
		}
		sigs = append(sigs, ReviewerSignature{ReviewerID: reviewer, SignatureHex: sigHex})
	}
	if policy.Strict() && len(sigs) < policy.N {
		return nil, fmt.Errorf("policy requires %d co-signatures, collected %d", policy.N, len(sigs))
	}
	return sigs, nil
}

// EvaluateQuorum returns whether the count of distinct valid signers meets
// the threshold, or nil when the policy makes quorum not applicable.
func EvaluateQuorum(policy QuorumPolicy, validSigners map[string]bool) *bool {
	if policy.Mode == QuorumNone {
		return nil
	}
	count := 0
	for _, ok := range validSigners {
		if ok {
			count++
		}
	}
	satisfied := count >= policy.M
	return &satisfied
}
