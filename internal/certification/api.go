package certification

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/attestra/certanchor/internal/keyring"
)

// Credential keys in the store.
const (
	CredentialIssuerAPIKey = "issuer_api_key"
	CredentialAdminAPIKey  = "admin_api_key"
)

// APIServer handles HTTP requests. Verification is open to anyone holding a
// package; issuance and key administration are API-key guarded.
type APIServer struct {
	service *Service
	keys    *keyring.Registry
}

// NewAPIServer creates a new API server.
func NewAPIServer(service *Service, keys *keyring.Registry) *APIServer {
	return &APIServer{service: service, keys: keys}
}

// RegisterHandlers registers the HTTP handlers.
func (s *APIServer) RegisterHandlers() {
	http.HandleFunc("/certify", s.handleCertify)
	http.HandleFunc("/verify", s.handleVerify)
	http.HandleFunc("/certifications", s.handleList)
	http.HandleFunc("/keys", s.handleRegisterKey)
	http.HandleFunc("/keys/rotate", s.handleRotateKey)
	http.HandleFunc("/keys/revoke", s.handleRevokeKey)
	http.HandleFunc("/anchoring/pause", s.handlePauseAnchoring)
	http.HandleFunc("/anchoring/resume", s.handleResumeAnchoring)
}

// handleVerify serves third-party verification. The response is always
// HTTP 200 with a body-level verified flag so partial-failure detail is
// never lost behind a status code. No authentication.
func (s *APIServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var probe map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&probe); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var result Result
	if rawID, ok := probe["certificationId"]; ok {
		var id string
		if err := json.Unmarshal(rawID, &id); err != nil || id == "" {
			http.Error(w, "certificationId must be a non-empty string", http.StatusBadRequest)
			return
		}
		var err error
		result, err = s.service.VerifyByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, ErrPackageNotFound) {
				http.Error(w, "certification not found", http.StatusNotFound)
				return
			}
			slog.Error("verification lookup failed", "err", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
	} else {
		// Re-decode the probe as a package. Unknown top-level fields are
		// preserved in the request but ignored here.
		pkg, err := decodePackage(probe)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid package: %v", err), http.StatusBadRequest)
			return
		}
		result = s.service.Verify(r.Context(), pkg)
	}

	writeJSON(w, result)
}

func decodePackage(probe map[string]json.RawMessage) (*Package, error) {
	if _, ok := probe["certificate"]; !ok {
		return nil, fmt.Errorf("neither certificationId nor certificate present")
	}
	raw, err := json.Marshal(probe)
	if err != nil {
		return nil, err
	}
	var pkg Package
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// handleCertify accepts an audit outcome from the audit-metadata provider.
func (s *APIServer) handleCertify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r, CredentialIssuerAPIKey) {
		return
	}

	var outcome AuditOutcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	pkg, err := s.service.Certify(r.Context(), outcome)
	if err != nil {
		var validation *ValidationError
		if errors.As(err, &validation) {
			http.Error(w, validation.Error(), http.StatusBadRequest)
			return
		}
		if errors.Is(err, ErrPackageExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("certification failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, pkg)
}

func (s *APIServer) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stored, err := s.service.ListPackages()
	if err != nil {
		slog.Error("failed to list certifications", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	type entry struct {
		ReportID    string   `json:"reportId"`
		Fingerprint string   `json:"fingerprint"`
		Anchored    bool     `json:"anchored"`
		Package     *Package `json:"package"`
	}
	out := make([]entry, 0, len(stored))
	for _, sp := range stored {
		out = append(out, entry{
			ReportID:    sp.ReportID,
			Fingerprint: sp.Fingerprint,
			Anchored:    sp.AnchoredAt.Valid,
			Package:     sp.Package,
		})
	}
	writeJSON(w, out)
}

type keyRequest struct {
	AuditorID    string `json:"auditorId"`
	PublicKeyHex string `json:"publicKeyHex"`
	Reason       string `json:"reason"`
}

func (s *APIServer) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	req, ok := s.keyAdminRequest(w, r)
	if !ok {
		return
	}
	key, err := s.keys.Register(req.AuditorID, req.PublicKeyHex)
	if err != nil {
		http.Error(w, err.Error(), keyErrorStatus(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, key)
}

func (s *APIServer) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	req, ok := s.keyAdminRequest(w, r)
	if !ok {
		return
	}
	key, err := s.keys.Rotate(req.AuditorID, req.PublicKeyHex, req.Reason)
	if err != nil {
		http.Error(w, err.Error(), keyErrorStatus(err))
		return
	}
	writeJSON(w, key)
}

func (s *APIServer) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	req, ok := s.keyAdminRequest(w, r)
	if !ok {
		return
	}
	if err := s.keys.Revoke(req.AuditorID); err != nil {
		http.Error(w, err.Error(), keyErrorStatus(err))
		return
	}
	writeJSON(w, map[string]string{"status": "revoked"})
}

func (s *APIServer) keyAdminRequest(w http.ResponseWriter, r *http.Request) (keyRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return keyRequest{}, false
	}
	if !s.authorize(w, r, CredentialAdminAPIKey) {
		return keyRequest{}, false
	}
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return keyRequest{}, false
	}
	return req, true
}

func keyErrorStatus(err error) int {
	switch {
	case errors.Is(err, keyring.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, keyring.ErrKeyExists):
		return http.StatusConflict
	case errors.Is(err, keyring.ErrInvalidPubKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) handlePauseAnchoring(w http.ResponseWriter, r *http.Request) {
	s.handleAnchorSwitch(w, r, false)
}

func (s *APIServer) handleResumeAnchoring(w http.ResponseWriter, r *http.Request) {
	s.handleAnchorSwitch(w, r, true)
}

func (s *APIServer) handleAnchorSwitch(w http.ResponseWriter, r *http.Request, enable bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r, CredentialAdminAPIKey) {
		return
	}
	var err error
	if enable {
		err = s.service.ResumeAnchoring()
	} else {
		err = s.service.PauseAnchoring()
	}
	if err != nil {
		slog.Error("failed to switch anchoring", "enable", enable, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	state := "paused"
	if enable {
		state = "active"
	}
	slog.Warn("anchoring switch changed", "state", state)
	writeJSON(w, map[string]string{"anchoring": state})
}

// authorize checks the request API key against the bcrypt-hashed stored
// credential.
func (s *APIServer) authorize(w http.ResponseWriter, r *http.Request, credentialKey string) bool {
	apiKey := r.Header.Get("X-Api-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("key")
	}
	if apiKey == "" {
		http.Error(w, "missing API key", http.StatusUnauthorized)
		return false
	}

	stored, err := s.service.GetCredential(credentialKey)
	if err != nil {
		slog.Error("retrieving API key credential", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return false
	}
	if stored == "" || bcrypt.CompareHashAndPassword([]byte(stored), []byte(apiKey)) != nil {
		http.Error(w, "invalid API key", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
