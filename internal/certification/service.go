package certification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/attestra/certanchor/internal/ledger"
	"github.com/attestra/certanchor/internal/metrics"
)

// Service orchestrates the certification flow: build, sign, persist,
// anchor. Building and signing are synchronous; anchoring runs in the
// background so certification issuance is never blocked by ledger
// availability.
type Service struct {
	store     Store
	signer    *Signer
	cosigner  CoSigner
	policy    QuorumPolicy
	anchorCfg AnchorConfig
	anchoring *AnchoringClient
	verifier  *Verifier
}

// Options carries the collaborators the service needs.
type Options struct {
	Store         Store
	Signer        *Signer
	CoSigner      CoSigner
	Keys          KeyLookup
	Registry      ledger.Registry
	Policy        QuorumPolicy
	AnchorConfig  AnchorConfig
	AnchorTimeout time.Duration
}

func NewService(opts Options) *Service {
	return &Service{
		store:     opts.Store,
		signer:    opts.Signer,
		cosigner:  opts.CoSigner,
		policy:    opts.Policy,
		anchorCfg: opts.AnchorConfig,
		anchoring: NewAnchoringClient(opts.Registry, opts.Store, opts.AnchorTimeout),
		verifier:  NewVerifier(opts.Registry, opts.Keys, opts.Signer.Identity(), opts.Policy),
	}
}

// Certify turns a passing audit outcome into a signed, persisted and
// (best-effort) anchored certification package. Build and signing errors
// are fatal; anchoring failures are not.
func (s *Service) Certify(ctx context.Context, outcome AuditOutcome) (*Package, error) {
	pkg, err := BuildPackage(outcome, s.anchorCfg)
	if err != nil {
		return nil, err
	}

	platformSig, err := s.signer.SignFingerprint(pkg.Anchor.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to sign fingerprint: %w", err)
	}
	pkg.Signatures.Platform = platformSig

	cosigs, err := CollectCoSignatures(s.cosigner, pkg.Anchor.Fingerprint, pkg.Certificate.AuditSummary.Reviewers, s.policy)
	if err != nil {
		return nil, fmt.Errorf("failed to collect co-signatures: %w", err)
	}
	pkg.Signatures.Reviewers = cosigs

	if err := s.store.SavePackage(pkg); err != nil {
		return nil, err
	}
	metrics.CertificationIssued()
	slog.Info("certification package issued",
		"workspace", pkg.Certificate.WorkspaceID,
		"report", pkg.Certificate.AuditSummary.ReportID,
		"fingerprint", pkg.Anchor.Fingerprint,
	)

	// Fire-and-forget anchor. The background context outlives the request;
	// the anchoring client bounds its own timeout.
	go func() {
		enabled, err := s.store.GetAnchoringEnabled()
		if err != nil {
			slog.Error("failed to read anchoring status", "err", err)
			return
		}
		if !enabled {
			slog.Warn("anchoring is paused, leaving package unanchored", "fingerprint", pkg.Anchor.Fingerprint)
			return
		}
		ok := s.anchoring.Anchor(context.Background(), pkg)
		metrics.AnchorAttempt(ok)
	}()

	return pkg, nil
}

// Verify runs the verification engine against a raw package.
func (s *Service) Verify(ctx context.Context, pkg *Package) Result {
	result := s.verifier.Verify(ctx, pkg)
	metrics.VerificationServed(result.Verified)
	return result
}

// VerifyByID resolves a persisted package by report id and verifies it.
func (s *Service) VerifyByID(ctx context.Context, reportID string) (Result, error) {
	stored, err := s.store.GetPackage(reportID)
	if err != nil {
		return Result{}, err
	}
	return s.Verify(ctx, stored.Package), nil
}

// GetPackage returns the persisted package for a report id.
func (s *Service) GetPackage(reportID string) (*StoredPackage, error) {
	return s.store.GetPackage(reportID)
}

// ListPackages returns all persisted packages, newest first.
func (s *Service) ListPackages() ([]StoredPackage, error) {
	return s.store.ListPackages()
}

// ReconcilePendingAnchors retries anchoring for packages whose transaction
// reference is still null. Called by the scheduler; a paused switch skips
// the whole sweep.
func (s *Service) ReconcilePendingAnchors(ctx context.Context, batchSize int) error {
	enabled, err := s.store.GetAnchoringEnabled()
	if err != nil {
		return fmt.Errorf("failed to read anchoring status: %w", err)
	}
	if !enabled {
		return errAnchoringDisabled
	}

	pending, err := s.store.GetUnanchored(batchSize)
	if err != nil {
		return fmt.Errorf("failed to load unanchored packages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	slog.Info("retrying anchoring for unanchored packages", "count", len(pending))
	for _, stored := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok := s.anchoring.Anchor(ctx, stored.Package)
		metrics.AnchorAttempt(ok)
	}
	return nil
}

// PendingAnchorCount reports how many persisted packages still lack a
// transaction reference. Feeds the metrics updater.
func (s *Service) PendingAnchorCount() (int, error) {
	pending, err := s.store.GetUnanchored(1 << 16)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// PauseAnchoring stops both new-package anchoring and the reconciliation
// sweep until resumed. Used when the ledger endpoint is misbehaving.
func (s *Service) PauseAnchoring() error {
	return s.store.SetAnchoringEnabled(false)
}

// ResumeAnchoring re-enables anchoring.
func (s *Service) ResumeAnchoring() error {
	return s.store.SetAnchoringEnabled(true)
}

// AnchoringEnabled reports the pause switch state.
func (s *Service) AnchoringEnabled() (bool, error) {
	return s.store.GetAnchoringEnabled()
}

// GetCredential exposes stored credentials for API key checks.
func (s *Service) GetCredential(key string) (string, error) {
	return s.store.GetCredential(key)
}

// SetCredential stores a credential.
func (s *Service) SetCredential(key, value string) error {
	return s.store.SetCredential(key, value)
}

// PlatformIdentity returns the platform signer address.
func (s *Service) PlatformIdentity() common.Address {
	return s.signer.Identity()
}
