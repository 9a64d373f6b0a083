package store

import (
	"context"
	"sync"

	"agentgate/internal/ledger"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// InMemoryStore keeps each organization's chain as an ordered slice. Used in
// development and tests; the slice index is seq-1 by construction.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[id.OrgID][]ledger.Record
	byID   map[id.RecordID]ledger.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chains: make(map[id.OrgID][]ledger.Record),
		byID:   make(map[id.RecordID]ledger.Record),
	}
}

func (s *InMemoryStore) Append(_ context.Context, record ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[record.OrgID]
	if record.Seq != uint64(len(chain))+1 {
		return dErrors.Newf(dErrors.CodeConflict, "sequence %d is not the next for org %s", record.Seq, record.OrgID)
	}
	s.chains[record.OrgID] = append(chain, record)
	s.byID[record.ID] = record
	return nil
}

func (s *InMemoryStore) Latest(_ context.Context, orgID id.OrgID) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[orgID]
	if len(chain) == 0 {
		return nil, nil
	}
	latest := chain[len(chain)-1]
	return &latest, nil
}

func (s *InMemoryStore) Range(_ context.Context, orgID id.OrgID, fromSeq, toSeq uint64, limit int) ([]ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[orgID]
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 || toSeq > uint64(len(chain)) {
		toSeq = uint64(len(chain))
	}
	if fromSeq > toSeq {
		return nil, nil
	}

	out := append([]ledger.Record{}, chain[fromSeq-1:toSeq]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, recordID id.RecordID) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.byID[recordID]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "record %s not found", recordID)
	}
	return &record, nil
}

// Tamper overwrites a stored record in place, bypassing every chain
// invariant. Test-only: exists so verification tests can break chains.
func (s *InMemoryStore) Tamper(orgID id.OrgID, seq uint64, mutate func(*ledger.Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[orgID]
	if seq == 0 || seq > uint64(len(chain)) {
		return
	}
	mutate(&chain[seq-1])
	s.byID[chain[seq-1].ID] = chain[seq-1]
}
