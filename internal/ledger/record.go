// Package ledger is the tamper-evident audit chain: one append-only,
// hash-linked, signed sequence of interaction records per organization.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	id "agentgate/pkg/domain"
)

// GenesisHash is the well-known prev_hash of sequence 1, identical across
// all organizations, so empty and single-record chains verify without
// special-casing by callers.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ResultStatus summarizes the execution outcome captured in a record.
type ResultStatus string

const (
	// ResultNone marks records for requests that never executed: denials
	// and the initial escalation entry.
	ResultNone    ResultStatus = "none"
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	// ResultTimeout marks executions cut off by the orchestrator deadline.
	ResultTimeout ResultStatus = "timeout"
)

// Record is one interaction record. Hashed fields are exactly those listed
// in contentHashInput; any other stored metadata stays outside the hash so
// verification can recompute it from the row alone.
type Record struct {
	ID    id.RecordID
	OrgID id.OrgID
	// Seq is monotonic per organization, starting at 1, no gaps.
	Seq       uint64
	Timestamp time.Time

	AgentID id.AgentID
	Action  string
	// ParamHash is the SHA-256 of the canonical JSON of the request
	// parameters; the parameters themselves are not stored here.
	ParamHash string

	Decision string
	// RuleID is the matched policy rule; empty means default deny.
	RuleID string
	Reason string

	ResultStatus ResultStatus
	// ResultHash is the SHA-256 of the execution payload, empty until the
	// action has executed.
	ResultHash string

	PrevHash    string
	ContentHash string
	// Signature is the base64 Ed25519 signature over ContentHash.
	Signature string
	// KeyID identifies the signing key so future multi-key verification can
	// pick the right public key without reprocessing old records.
	KeyID string
}

// contentHashInput is the canonical byte string the content hash covers:
// newline-joined fields in fixed order, timestamps in RFC3339Nano UTC.
func contentHashInput(prevHash string, seq uint64, ts time.Time, agentID id.AgentID, action, paramHash, decision string, status ResultStatus, resultHash string) string {
	return strings.Join([]string{
		prevHash,
		strconv.FormatUint(seq, 10),
		ts.UTC().Format(time.RFC3339Nano),
		string(agentID),
		action,
		paramHash,
		decision,
		string(status) + ":" + resultHash,
	}, "\n")
}

// ComputeContentHash recomputes the record's content hash from its stored
// fields. Used on append and again, field by field, during verification.
func (r *Record) ComputeContentHash() string {
	input := contentHashInput(r.PrevHash, r.Seq, r.Timestamp, r.AgentID, r.Action, r.ParamHash, r.Decision, r.ResultStatus, r.ResultHash)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HashParams produces the parameter hash embedded in a record. Go's JSON
// encoder writes map keys in sorted order, which keeps the encoding
// canonical for the string-keyed parameter maps we accept.
func HashParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return hashBytes(nil), nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return hashBytes(encoded), nil
}

// HashPayload hashes an opaque execution payload for the result summary.
func HashPayload(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	return hashBytes(payload)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
