package custody

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// stubLedger is a scriptable LedgerClient for exercising coordinator and
// verifier failure paths; MemoryLedger covers the happy paths.
type stubLedger struct {
	mu          sync.Mutex
	submitErr   error
	checkErr    error
	anchored    bool
	submitCalls int
	checkCalls  int
}

func (s *stubLedger) Submit(_ context.Context, _, evidenceRef string, _ Digest) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCalls++
	if s.submitErr != nil {
		return Receipt{}, s.submitErr
	}
	return Receipt{TxID: "tx:0xabc", AnchoredAt: time.Now().UTC()}, nil
}

func (s *stubLedger) IsAnchored(_ context.Context, _ string, _ Digest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkCalls++
	if s.checkErr != nil {
		return false, s.checkErr
	}
	return s.anchored, nil
}

func (s *stubLedger) calls() (submits, checks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls, s.checkCalls
}

// collidingStore wraps a RecordStore and forces the first collisions Create
// calls to report a duplicate ref, recording every ref the caller tried.
type collidingStore struct {
	RecordStore
	mu         sync.Mutex
	collisions int
	refs       []string
}

func (s *collidingStore) Create(ctx context.Context, rec EvidenceRecord) error {
	s.mu.Lock()
	s.refs = append(s.refs, rec.EvidenceRef)
	collide := s.collisions > 0
	if collide {
		s.collisions--
	}
	s.mu.Unlock()
	if collide {
		return fmt.Errorf("%w: %s", ErrDuplicateRef, rec.EvidenceRef)
	}
	return s.RecordStore.Create(ctx, rec)
}
