// Package certification builds, signs, anchors and verifies certification
// packages for passing audit outcomes.
package certification

import (
	"database/sql"
	"time"
)

// SchemaVersion tags the package wire format.
const SchemaVersion = "certification/v1"

// VerdictPass is the only second-layer verdict a package may be built for.
const VerdictPass = "pass"

// Package is the tamper-evident certification artifact. Everything under
// certificate plus the anchor's chainId/registryAddress is committed to by
// the fingerprint; the signature block and the transaction/block references
// are produced afterwards and stay outside the hashed material.
type Package struct {
	SchemaVersion string      `json:"schemaVersion"`
	Certificate   Certificate `json:"certificate"`
	Anchor        Anchor      `json:"anchor"`
	Signatures    Signatures  `json:"signatures"`
}

type Certificate struct {
	WorkspaceID        string         `json:"workspaceId"`
	ContractTerms      ContractTerms  `json:"contractTerms"`
	ParticipantSummary map[string]int `json:"participantSummary"`
	AuditSummary       AuditSummary   `json:"auditSummary"`
	ToolchainMetadata  map[string]any `json:"toolchainMetadata,omitempty"`
}

type ContractTerms struct {
	Scope              string   `json:"scope"`
	AllowedTools       []string `json:"allowedTools"`
	AllowedData        []string `json:"allowedData"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

type AuditSummary struct {
	ReportID            string   `json:"reportId"`
	FirstLayerApprovals int      `json:"firstLayerApprovals"`
	FirstLayerBlocks    int      `json:"firstLayerBlocks"`
	SecondLayerVerdict  string   `json:"secondLayerVerdict"`
	Reviewers           []string `json:"reviewers"`
}

type Anchor struct {
	Fingerprint          string  `json:"fingerprint"`
	ChainID              uint64  `json:"chainId"`
	RegistryAddress      string  `json:"registryAddress"`
	TransactionReference *string `json:"transactionReference"`
	BlockReference       *uint64 `json:"blockReference"`
}

type Signatures struct {
	Platform  *PlatformSignature  `json:"platform,omitempty"`
	Reviewers []ReviewerSignature `json:"reviewerSignatures,omitempty"`
}

type PlatformSignature struct {
	SignatureHex   string `json:"signatureHex"`
	SignerIdentity string `json:"signerIdentity"`
}

type ReviewerSignature struct {
	ReviewerID   string `json:"reviewerId"`
	SignatureHex string `json:"signatureHex"`
}

// ReviewerVerdict is one first-layer review outcome.
type ReviewerVerdict struct {
	ReviewerID string `json:"reviewerId"`
	Approved   bool   `json:"approved"`
}

// AuditOutcome is the input supplied by the audit-metadata collaborator.
// The caller guarantees a passing second-layer verdict; the builder
// re-validates it anyway.
type AuditOutcome struct {
	WorkspaceID        string            `json:"workspaceId"`
	ContractTerms      ContractTerms     `json:"contractTerms"`
	ParticipantSummary map[string]int    `json:"participantSummary"`
	FirstLayerVerdicts []ReviewerVerdict `json:"firstLayerVerdicts"`
	SecondLayerReport  string            `json:"secondLayerReportId"`
	SecondLayerVerdict string            `json:"secondLayerVerdict"`
	ToolchainMetadata  map[string]any    `json:"toolchainMetadata,omitempty"`
}

// AnchorConfig identifies the target ledger for new packages.
type AnchorConfig struct {
	ChainID         uint64
	RegistryAddress string
}

// StoredPackage is a persisted package row.
type StoredPackage struct {
	ReportID    string
	Fingerprint string
	Package     *Package
	CreatedAt   time.Time
	AnchoredAt  sql.NullTime
}

// OnChainStatus values reported by verification.
const (
	OnChainValid      = "valid"
	OnChainRevoked    = "revoked"
	OnChainSuperseded = "superseded"
	OnChainNotFound   = "not_found"
)

// Result is the full verification verdict. Boolean pointers distinguish
// "not applicable" from "failed" for the optional reviewer checks.
type Result struct {
	Verified                bool     `json:"verified"`
	FingerprintMatch        bool     `json:"fingerprintMatch"`
	PlatformSignatureValid  bool     `json:"platformSignatureValid"`
	ReviewerSignaturesValid *bool    `json:"reviewerSignaturesValid"`
	QuorumSatisfied         *bool    `json:"quorumSatisfied"`
	OnChainStatus           string   `json:"onChainStatus"`
	Errors                  []string `json:"errors"`
}
