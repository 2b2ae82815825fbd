package certification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/attestra/certanchor/internal/ledger"
)

func newTestAPIServer(t *testing.T) (*APIServer, *Service) {
	t.Helper()
	store := newTestStore(t)
	signer := newTestSigner(t)
	memory := ledger.NewMemory(signer.Identity())
	svc := NewService(Options{
		Store:        store,
		Signer:       signer,
		Registry:     memory.Session(signer.Identity()),
		Policy:       QuorumPolicy{Mode: QuorumNone},
		AnchorConfig: sampleConfig(),
	})
	return NewAPIServer(svc, nil), svc
}

func Test_HandleList_methodGuard(t *testing.T) {
	api, svc := newTestAPIServer(t)
	if err := svc.PauseAnchoring(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := svc.Certify(context.Background(), sampleOutcome()); err != nil {
		t.Fatalf("certify: %v", err)
	}

	rec := httptest.NewRecorder()
	api.handleList(rec, httptest.NewRequest(http.MethodPost, "/certifications", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	api.handleList(rec, httptest.NewRequest(http.MethodGet, "/certifications", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for GET, got %d", rec.Code)
	}
	var entries []map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 certification, got %d", len(entries))
	}
}
