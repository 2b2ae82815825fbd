package certification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/attestra/certanchor/internal/ledger"
)

// AnchoringClient registers fingerprints on the ledger, best-effort. An
// anchoring failure never invalidates the off-ledger certification record;
// the two sources of truth are reconciled at verification time. Failure
// reasons are sanitized before logging: only the error class, never
// endpoints or key material.
type AnchoringClient struct {
	registry ledger.Registry
	store    Store
	timeout  time.Duration
}

func NewAnchoringClient(registry ledger.Registry, store Store, timeout time.Duration) *AnchoringClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AnchoringClient{registry: registry, store: store, timeout: timeout}
}

// Anchor attempts to register the package fingerprint. On success the
// transaction/block references are persisted onto the stored package and
// true is returned. On any failure the references stay null and false is
// returned; the error never propagates.
func (a *AnchoringClient) Anchor(ctx context.Context, pkg *Package) bool {
	fingerprint := strings.ToLower(pkg.Anchor.Fingerprint)
	hash := common.HexToHash("0x" + fingerprint)

	anchorCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ref, err := a.registry.Register(anchorCtx, hash)
	if err != nil {
		slog.Warn("anchoring failed, certification remains valid off-ledger",
			"fingerprint", fingerprint,
			"reason", sanitizeAnchorError(err),
		)
		return false
	}

	txRef := ref.TxHash.Hex()
	if err := a.store.SetAnchorRefs(fingerprint, txRef, ref.Block); err != nil {
		slog.Error("failed to persist anchor references", "fingerprint", fingerprint, "err", err)
		return false
	}
	slog.Info("fingerprint anchored", "fingerprint", fingerprint, "tx", txRef, "block", ref.Block)
	return true
}

// sanitizeAnchorError collapses ledger failures to a short reason class.
// Raw RPC errors can carry endpoint URLs and request payloads; those never
// reach the logs.
func sanitizeAnchorError(err error) string {
	switch {
	case errors.Is(err, ledger.ErrDuplicateRegistration):
		return "already registered"
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		return "rejected by ledger state machine"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "ledger unavailable"
	}
}

// errAnchoringDisabled is used by the reconciliation sweep when the pause
// switch is engaged.
var errAnchoringDisabled = fmt.Errorf("anchoring is paused")
