package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// Store persists records. Append must reject a duplicate (org_id, seq) with
// a CodeConflict error; that uniqueness plus the chain's per-org
// serialization is what keeps every chain linear.
type Store interface {
	Append(ctx context.Context, record Record) error

	// Latest returns the highest-sequence record for the organization, or
	// nil when the chain is empty.
	Latest(ctx context.Context, orgID id.OrgID) (*Record, error)

	// Range returns records with fromSeq <= seq <= toSeq in ascending
	// order, at most limit records. A toSeq of 0 means "to the head"; a
	// limit of 0 means no limit.
	Range(ctx context.Context, orgID id.OrgID, fromSeq, toSeq uint64, limit int) ([]Record, error)

	Get(ctx context.Context, recordID id.RecordID) (*Record, error)
}

// AppendInput is what the orchestrator knows when it logs a step.
type AppendInput struct {
	AgentID      id.AgentID
	Action       string
	ParamHash    string
	Decision     string
	RuleID       string
	Reason       string
	ResultStatus ResultStatus
	ResultHash   string
}

// VerificationResult reports a chain scan. Invalid results carry the first
// broken sequence and why; the scan never continues past it.
type VerificationResult struct {
	Valid      bool
	Checked    int
	FirstSeq   uint64
	LastSeq    uint64
	FailedSeq  uint64
	FailReason string
	VerifiedAt time.Time
}

// ReadFilter selects records for the reporting surface. Cursor paging: pass
// the last seen sequence as AfterSeq to resume.
type ReadFilter struct {
	AfterSeq uint64
	Limit    int
	AgentID  id.AgentID
	Decision string
}

// Chain appends and verifies interaction records. Appends are serialized
// per organization: the per-org mutex makes read-latest-then-insert atomic
// within this process, and the store's (org_id, seq) uniqueness backstops it
// across processes via bounded retry.
type Chain struct {
	store    Store
	signer   *Signer
	verifier *Verifier
	clock    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	orgLocks map[id.OrgID]*sync.Mutex
}

// Option configures a Chain.
type Option func(*Chain)

func WithClock(clock func() time.Time) Option {
	return func(c *Chain) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) { c.logger = logger }
}

// NewChain constructs the audit chain service.
func NewChain(store Store, signer *Signer, opts ...Option) (*Chain, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "ledger store is required")
	}
	if signer == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "ledger signer is required")
	}
	c := &Chain{
		store:    store,
		signer:   signer,
		verifier: NewVerifier(signer.PublicKey()),
		clock:    time.Now,
		orgLocks: make(map[id.OrgID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Chain) orgLock(orgID id.OrgID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.orgLocks[orgID]
	if !ok {
		lock = &sync.Mutex{}
		c.orgLocks[orgID] = lock
	}
	return lock
}

// appendAttempts bounds optimistic retries when another writer (another
// process) takes our sequence number first.
const appendAttempts = 3

// Append links, signs, and persists a new record at the head of the
// organization's chain. Failures surface as CodeAuditWriteFailed; callers
// must fail their request rather than respond with an unrecorded decision.
func (c *Chain) Append(ctx context.Context, orgID id.OrgID, input AppendInput) (*Record, error) {
	lock := c.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		latest, err := c.store.Latest(ctx, orgID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "read chain head")
		}

		prevHash := GenesisHash
		var seq uint64 = 1
		if latest != nil {
			prevHash = latest.ContentHash
			seq = latest.Seq + 1
		}

		status := input.ResultStatus
		if status == "" {
			status = ResultNone
		}

		record := Record{
			ID:           id.NewRecordID(),
			OrgID:        orgID,
			Seq:          seq,
			Timestamp:    c.clock().UTC(),
			AgentID:      input.AgentID,
			Action:       input.Action,
			ParamHash:    input.ParamHash,
			Decision:     input.Decision,
			RuleID:       input.RuleID,
			Reason:       input.Reason,
			ResultStatus: status,
			ResultHash:   input.ResultHash,
			PrevHash:     prevHash,
		}
		record.ContentHash = record.ComputeContentHash()
		record.Signature = c.signer.Sign(record.ContentHash)
		record.KeyID = c.signer.KeyID()

		err = c.store.Append(ctx, record)
		if err == nil {
			return &record, nil
		}
		if !dErrors.HasCode(err, dErrors.CodeConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "append interaction record")
		}
		// Lost the sequence race to another writer; re-read the head.
		lastErr = err
		if c.logger != nil {
			c.logger.WarnContext(ctx, "chain append conflict, retrying",
				"org_id", orgID.String(), "seq", seq, "attempt", attempt+1)
		}
	}
	return nil, dErrors.Wrap(lastErr, dErrors.CodeAuditWriteFailed, "append interaction record after retries")
}

// Verify rescans the chain between fromSeq and toSeq (0 means chain
// bounds): recomputes each content hash from stored fields, checks the
// signature, and checks the link to the previous record. The scan stops at
// the first failure and reports it; broken chains are never healed here.
func (c *Chain) Verify(ctx context.Context, orgID id.OrgID, fromSeq, toSeq uint64) (*VerificationResult, error) {
	result := &VerificationResult{Valid: true, VerifiedAt: c.clock().UTC()}

	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 {
		latest, err := c.store.Latest(ctx, orgID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read chain head")
		}
		if latest == nil {
			// Empty chain verifies trivially.
			return result, nil
		}
		toSeq = latest.Seq
	}
	if toSeq < fromSeq {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "to_seq must not precede from_seq")
	}

	// When verifying a suffix, the link of the first record in range is
	// checked against its stored predecessor.
	prevHash := GenesisHash
	if fromSeq > 1 {
		prev, err := c.store.Range(ctx, orgID, fromSeq-1, fromSeq-1, 1)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read predecessor record")
		}
		if len(prev) != 1 {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "record %d not found", fromSeq-1)
		}
		prevHash = prev[0].ContentHash
	}

	records, err := c.store.Range(ctx, orgID, fromSeq, toSeq, 0)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read chain range")
	}

	expectedSeq := fromSeq
	for i := range records {
		rec := &records[i]

		if rec.Seq != expectedSeq {
			return c.fail(result, expectedSeq, "missing record in sequence"), nil
		}
		if rec.PrevHash != prevHash {
			return c.fail(result, rec.Seq, "previous-hash link broken"), nil
		}
		if rec.ComputeContentHash() != rec.ContentHash {
			return c.fail(result, rec.Seq, "content hash mismatch"), nil
		}
		if !c.verifier.Verify(rec.KeyID, rec.ContentHash, rec.Signature) {
			return c.fail(result, rec.Seq, "signature invalid"), nil
		}

		if result.FirstSeq == 0 {
			result.FirstSeq = rec.Seq
		}
		result.LastSeq = rec.Seq
		result.Checked++
		prevHash = rec.ContentHash
		expectedSeq++
	}

	if expectedSeq <= toSeq {
		return c.fail(result, expectedSeq, "missing record in sequence"), nil
	}
	return result, nil
}

func (c *Chain) fail(result *VerificationResult, seq uint64, reason string) *VerificationResult {
	result.Valid = false
	result.FailedSeq = seq
	result.FailReason = reason
	return result
}

// Read returns records after the cursor, optionally filtered, ascending.
func (c *Chain) Read(ctx context.Context, orgID id.OrgID, filter ReadFilter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	// Over-fetch is avoided by filtering in the store for the common case;
	// the in-memory fallback filters here.
	records, err := c.store.Range(ctx, orgID, filter.AfterSeq+1, 0, 0)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read records")
	}

	out := make([]Record, 0, limit)
	for _, rec := range records {
		if filter.AgentID != "" && rec.AgentID != filter.AgentID {
			continue
		}
		if filter.Decision != "" && rec.Decision != filter.Decision {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get fetches one record by ID.
func (c *Chain) Get(ctx context.Context, recordID id.RecordID) (*Record, error) {
	return c.store.Get(ctx, recordID)
}

// ExportBundle packages a chain slice with its verification result for
// offline audit.
type ExportBundle struct {
	OrgID      string               `json:"org_id"`
	ExportedAt time.Time            `json:"exported_at"`
	KeyID      string               `json:"key_id"`
	PublicKey  string               `json:"public_key"`
	Records    []ExportedRecord     `json:"records"`
	Result     ExportedVerification `json:"verification"`
}

// ExportedRecord is the JSON wire form of a record; field names are part of
// the export contract consumed by the offline verifier.
type ExportedRecord struct {
	RecordID     string `json:"record_id"`
	Seq          uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	AgentID      string `json:"agent_id"`
	Action       string `json:"action"`
	ParamHash    string `json:"param_hash"`
	Decision     string `json:"decision"`
	RuleID       string `json:"rule_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ResultStatus string `json:"result_status"`
	ResultHash   string `json:"result_hash,omitempty"`
	PrevHash     string `json:"prev_hash"`
	ContentHash  string `json:"content_hash"`
	Signature    string `json:"signature"`
	KeyID        string `json:"key_id"`
}

// ExportedVerification summarizes the verification that accompanied an
// export.
type ExportedVerification struct {
	Valid      bool   `json:"valid"`
	Checked    int    `json:"checked"`
	FailedSeq  uint64 `json:"failed_seq,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
}

// Export verifies and packages a chain range for offline audit.
func (c *Chain) Export(ctx context.Context, orgID id.OrgID, fromSeq, toSeq uint64) (*ExportBundle, error) {
	verification, err := c.Verify(ctx, orgID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}

	if fromSeq == 0 {
		fromSeq = 1
	}
	records, err := c.store.Range(ctx, orgID, fromSeq, toSeq, 0)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read chain range")
	}

	bundle := &ExportBundle{
		OrgID:      orgID.String(),
		ExportedAt: c.clock().UTC(),
		KeyID:      c.signer.KeyID(),
		PublicKey:  encodePublicKey(c.signer.PublicKey()),
		Records:    make([]ExportedRecord, 0, len(records)),
		Result: ExportedVerification{
			Valid:      verification.Valid,
			Checked:    verification.Checked,
			FailedSeq:  verification.FailedSeq,
			FailReason: verification.FailReason,
		},
	}
	for _, rec := range records {
		bundle.Records = append(bundle.Records, ExportRecord(rec))
	}
	return bundle, nil
}

// ExportRecord converts a stored record into its export wire form.
func ExportRecord(rec Record) ExportedRecord {
	return ExportedRecord{
		RecordID:     rec.ID.String(),
		Seq:          rec.Seq,
		Timestamp:    rec.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentID:      string(rec.AgentID),
		Action:       rec.Action,
		ParamHash:    rec.ParamHash,
		Decision:     rec.Decision,
		RuleID:       rec.RuleID,
		Reason:       rec.Reason,
		ResultStatus: string(rec.ResultStatus),
		ResultHash:   rec.ResultHash,
		PrevHash:     rec.PrevHash,
		ContentHash:  rec.ContentHash,
		Signature:    rec.Signature,
		KeyID:        rec.KeyID,
	}
}
