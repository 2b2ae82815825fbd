package certification

// BuildPackage assembles a certification package for a passing audit
// outcome. Signatures and the transaction/block references are left unset;
// the fingerprint is computed and stamped into the anchor. The passing
// verdict is a caller-enforced precondition, re-validated here because a
// package for a non-passing outcome must never exist.
func BuildPackage(outcome AuditOutcome, cfg AnchorConfig) (*Package, error) {
	if outcome.WorkspaceID == "" {
		return nil, validationErrorf("workspaceId", "must not be empty")
	}
	if outcome.SecondLayerReport == "" {
		return nil, validationErrorf("secondLayerReportId", "must not be empty")
	}
	if outcome.SecondLayerVerdict != VerdictPass {
		return nil, validationErrorf("secondLayerVerdict", "certification requires a passing verdict, got %q", outcome.SecondLayerVerdict)
	}
	if cfg.RegistryAddress == "" {
		return nil, validationErrorf("registryAddress", "must not be empty")
	}

	approvals, blocks := 0, 0
	reviewers := make([]string, 0, len(outcome.FirstLayerVerdicts))
	seen := map[string]bool{}
	for _, verdict := range outcome.FirstLayerVerdicts {
		if verdict.ReviewerID == "" {
			return nil, validationErrorf("firstLayerVerdicts", "verdict with empty reviewer id")
		}
		if seen[verdict.ReviewerID] {
			return nil, validationErrorf("firstLayerVerdicts", "duplicate verdict for reviewer %s", verdict.ReviewerID)
		}
		seen[verdict.ReviewerID] = true
		reviewers = append(reviewers, verdict.ReviewerID)
		if verdict.Approved {
			approvals++
		} else {
			blocks++
		}
	}

	pkg := &Package{
		SchemaVersion: SchemaVersion,
		Certificate: Certificate{
			WorkspaceID:        outcome.WorkspaceID,
			ContractTerms:      outcome.ContractTerms,
			ParticipantSummary: outcome.ParticipantSummary,
			AuditSummary: AuditSummary{
				ReportID:            outcome.SecondLayerReport,
				FirstLayerApprovals: approvals,
				FirstLayerBlocks:    blocks,
				SecondLayerVerdict:  outcome.SecondLayerVerdict,
				Reviewers:           reviewers,
			},
			ToolchainMetadata: outcome.ToolchainMetadata,
		},
		Anchor: Anchor{
			ChainID:         cfg.ChainID,
			RegistryAddress: cfg.RegistryAddress,
		},
	}

	fingerprint, err := Fingerprint(pkg)
	if err != nil {
		return nil, err
	}
	pkg.Anchor.Fingerprint = fingerprint
	return pkg, nil
}
