package certification

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/attestra/certanchor/internal/canonical"
)

// Fingerprint computes the SHA-256 digest over the canonical form of the
// package's certificate and anchor fields, excluding the fingerprint itself,
// the transaction/block references and the signature block. Those are
// produced after the fingerprint and must not feed back into it.
func Fingerprint(pkg *Package) (string, error) {
	material, err := canonical.Marshal(hashMaterial(pkg))
	if err != nil {
		return "", validationErrorf("certificate", "not canonicalizable: %v", err)
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:]), nil
}

// hashMaterial converts the committed fields into the restricted JSON domain
// the canonicalizer accepts, with explicit field-by-field construction so
// the hashed shape never silently drifts with struct tags.
func hashMaterial(pkg *Package) map[string]any {
	cert := pkg.Certificate

	var toolchain any = canonical.Absent
	if cert.ToolchainMetadata != nil {
		toolchain = cert.ToolchainMetadata
	}

	return map[string]any{
		"certificate": map[string]any{
			"workspaceId": cert.WorkspaceID,
			"contractTerms": map[string]any{
				"scope":              cert.ContractTerms.Scope,
				"allowedTools":       cert.ContractTerms.AllowedTools,
				"allowedData":        cert.ContractTerms.AllowedData,
				"acceptanceCriteria": cert.ContractTerms.AcceptanceCriteria,
			},
			"participantSummary": cert.ParticipantSummary,
			"auditSummary": map[string]any{
				"reportId":            cert.AuditSummary.ReportID,
				"firstLayerApprovals": cert.AuditSummary.FirstLayerApprovals,
				"firstLayerBlocks":    cert.AuditSummary.FirstLayerBlocks,
				"secondLayerVerdict":  cert.AuditSummary.SecondLayerVerdict,
				"reviewers":           cert.AuditSummary.Reviewers,
			},
			"toolchainMetadata": toolchain,
		},
		"anchor": map[string]any{
			"chainId":         pkg.Anchor.ChainID,
			"registryAddress": pkg.Anchor.RegistryAddress,
		},
	}
}

// decodeFingerprint parses a 64-char lowercase hex fingerprint into its raw
// 32 bytes.
func decodeFingerprint(fp string) ([]byte, error) {
	raw, err := hex.DecodeString(fp)
	if err != nil {
		return nil, fmt.Errorf("fingerprint is not hex: %w", err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("fingerprint is %d bytes, want %d", len(raw), sha256.Size)
	}
	return raw, nil
}
