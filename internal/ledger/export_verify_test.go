package ledger_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"agentgate/internal/ledger"
	"agentgate/internal/ledger/store"
	id "agentgate/pkg/domain"
)

// ExportVerifySuite covers the offline verification path: a bundle round
// trips through JSON, as it would through a file handed to an auditor, and
// is re-verified with nothing but its own contents.
type ExportVerifySuite struct {
	suite.Suite

	ctx   context.Context
	chain *ledger.Chain
	orgID id.OrgID
}

func TestExportVerifySuite(t *testing.T) {
	suite.Run(t, new(ExportVerifySuite))
}

func (s *ExportVerifySuite) SetupTest() {
	s.ctx = context.Background()

	signer, err := ledger.GenerateSigner()
	s.Require().NoError(err)

	now := time.Date(2026, 3, 16, 14, 30, 0, 0, time.UTC)
	chain, err := ledger.NewChain(store.NewInMemoryStore(), signer, ledger.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	s.Require().NoError(err)
	s.chain = chain
	s.orgID = id.OrgID(mustUUID("11111111-1111-1111-1111-111111111111"))
}

func (s *ExportVerifySuite) exportAfterAppends(n int, fromSeq, toSeq uint64) *ledger.ExportBundle {
	for i := 0; i < n; i++ {
		_, err := s.chain.Append(s.ctx, s.orgID, ledger.AppendInput{
			AgentID:      "agent-billing",
			Action:       "email:send",
			ParamHash:    mustHashParams(s.T(), map[string]any{"n": i}),
			Decision:     "allow",
			RuleID:       "rule-1",
			ResultStatus: ledger.ResultSuccess,
			ResultHash:   ledger.HashPayload([]byte("ok")),
		})
		s.Require().NoError(err)
	}

	bundle, err := s.chain.Export(s.ctx, s.orgID, fromSeq, toSeq)
	s.Require().NoError(err)

	// Round trip through the wire form the CLI consumes.
	encoded, err := json.Marshal(bundle)
	s.Require().NoError(err)
	var decoded ledger.ExportBundle
	s.Require().NoError(json.Unmarshal(encoded, &decoded))
	return &decoded
}

func (s *ExportVerifySuite) TestVerifiesFullExport() {
	bundle := s.exportAfterAppends(4, 0, 0)

	result, err := ledger.VerifyExport(bundle)
	s.Require().NoError(err)

	s.True(result.Valid)
	s.Equal(4, result.Checked)
	s.Equal(uint64(1), result.FirstSeq)
	s.Equal(uint64(4), result.LastSeq)
}

func (s *ExportVerifySuite) TestVerifiesSuffixExportFromStoredAnchor() {
	bundle := s.exportAfterAppends(5, 3, 5)

	result, err := ledger.VerifyExport(bundle)
	s.Require().NoError(err)

	s.True(result.Valid)
	s.Equal(3, result.Checked)
	s.Equal(uint64(3), result.FirstSeq)
}

func (s *ExportVerifySuite) TestEmptyBundleVerifies() {
	signer, err := ledger.GenerateSigner()
	s.Require().NoError(err)
	emptyChain, err := ledger.NewChain(store.NewInMemoryStore(), signer)
	s.Require().NoError(err)

	bundle, err := emptyChain.Export(s.ctx, s.orgID, 0, 0)
	s.Require().NoError(err)

	result, err := ledger.VerifyExport(bundle)
	s.Require().NoError(err)
	s.True(result.Valid)
	s.Zero(result.Checked)
}

func (s *ExportVerifySuite) TestDetectsEditedRecordField() {
	bundle := s.exportAfterAppends(3, 0, 0)
	bundle.Records[1].Action = "payment:wire"

	result, err := ledger.VerifyExport(bundle)
	s.Require().NoError(err)

	s.False(result.Valid)
	s.Equal(uint64(2), result.FailedSeq)
	s.Equal("content hash mismatch", result.FailReason)
}

func (s *ExportVerifySuite) TestDetectsRemovedRecord() {
	bundle := s.exportAfterAppends(3, 0, 0)
	bundle.Records = append(bundle.Records[:1], bundle.Records[2:]...)

	result, err := ledger.VerifyExport(bundle)
	s.Require().NoError(err)

	s.False(result.Valid)
	s.Equal(uint64(2), result.FailedSeq)
	s.Equal("missing record in sequence", result.FailReason)
}

func (s *ExportVerifySuite) TestDetectsForeignPublicKey() {
	bundle := s.exportAfterAppends(2, 0, 0)

	other, err := ledger.GenerateSigner()
	s.Require().NoError(err)
	otherChain, err := ledger.NewChain(store.NewInMemoryStore(), other)
	s.Require().NoError(err)
	otherBundle, err := otherChain.Export(s.ctx, s.orgID, 0, 0)
	s.Require().NoError(err)

	bundle.PublicKey = otherBundle.PublicKey

	result, err := ledger.VerifyExport(bundle)
	s.Require().NoError(err)

	s.False(result.Valid)
	s.Equal("signature invalid", result.FailReason)
}

func (s *ExportVerifySuite) TestRejectsGarbagePublicKey() {
	bundle := s.exportAfterAppends(1, 0, 0)
	bundle.PublicKey = "not base64!"

	_, err := ledger.VerifyExport(bundle)
	s.Error(err)
}

func (s *ExportVerifySuite) TestRejectsRewrittenGenesisLink() {
	bundle := s.exportAfterAppends(2, 0, 0)
	bundle.Records[0].PrevHash = bundle.Records[1].ContentHash

	result, err := ledger.VerifyExport(bundle)
	s.Require().NoError(err)

	s.False(result.Valid)
	s.Equal(uint64(1), result.FailedSeq)
	s.Equal("previous-hash link broken", result.FailReason)
}
