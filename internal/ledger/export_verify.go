package ledger

import (
	"fmt"
	"time"

	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// VerifyExport checks an export bundle without any store access: the
// bundle's own public key re-verifies every signature, and links and
// content hashes are recomputed from the exported fields. The first record
// anchors the scan; when the export starts past sequence 1 its stored
// prev_hash is taken as the anchor since the predecessor is not in the
// bundle.
func VerifyExport(bundle *ExportBundle) (*VerificationResult, error) {
	if bundle == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "bundle is required")
	}

	pub, err := DecodePublicKey(bundle.PublicKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "bundle public key")
	}
	verifier := NewVerifier(pub)

	result := &VerificationResult{Valid: true, VerifiedAt: time.Now().UTC()}
	if len(bundle.Records) == 0 {
		return result, nil
	}

	fail := func(seq uint64, reason string) *VerificationResult {
		result.Valid = false
		result.FailedSeq = seq
		result.FailReason = reason
		return result
	}

	expectedSeq := bundle.Records[0].Seq
	prevHash := bundle.Records[0].PrevHash
	if expectedSeq == 1 && prevHash != GenesisHash {
		return fail(1, "previous-hash link broken"), nil
	}

	for i := range bundle.Records {
		exported := &bundle.Records[i]

		rec, err := importRecord(exported)
		if err != nil {
			return nil, err
		}
		if rec.Seq != expectedSeq {
			return fail(expectedSeq, "missing record in sequence"), nil
		}
		if rec.PrevHash != prevHash {
			return fail(rec.Seq, "previous-hash link broken"), nil
		}
		if rec.ComputeContentHash() != rec.ContentHash {
			return fail(rec.Seq, "content hash mismatch"), nil
		}
		if !verifier.Verify(rec.KeyID, rec.ContentHash, rec.Signature) {
			return fail(rec.Seq, "signature invalid"), nil
		}

		if result.FirstSeq == 0 {
			result.FirstSeq = rec.Seq
		}
		result.LastSeq = rec.Seq
		result.Checked++
		prevHash = rec.ContentHash
		expectedSeq++
	}

	return result, nil
}

// importRecord rebuilds a Record from its export wire form so the shared
// hash recomputation applies unchanged.
func importRecord(exported *ExportedRecord) (*Record, error) {
	ts, err := time.Parse(time.RFC3339Nano, exported.Timestamp)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, fmt.Sprintf("record %d timestamp", exported.Seq))
	}
	return &Record{
		Seq:          exported.Seq,
		Timestamp:    ts,
		AgentID:      id.AgentID(exported.AgentID),
		Action:       exported.Action,
		ParamHash:    exported.ParamHash,
		Decision:     exported.Decision,
		RuleID:       exported.RuleID,
		Reason:       exported.Reason,
		ResultStatus: ResultStatus(exported.ResultStatus),
		ResultHash:   exported.ResultHash,
		PrevHash:     exported.PrevHash,
		ContentHash:  exported.ContentHash,
		Signature:    exported.Signature,
		KeyID:        exported.KeyID,
	}, nil
}
