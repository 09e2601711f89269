package custody

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLedgerUnavailable is a transient failure to reach the ledger. It is
// distinct from a negative membership answer and must never be read as
// tamper evidence.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// ErrLedgerRejected is a permanent, contract-level refusal of a submission.
var ErrLedgerRejected = errors.New("ledger rejected submission")

// LedgerClient talks to the external append-only ledger. Submit blocks until
// the ledger confirms inclusion; the bound comes from the caller's context.
// Neither call retries internally: retry policy belongs to callers so
// idempotency and backoff can be tuned per use.
type LedgerClient interface {
	// Submit anchors (caseRef, evidenceRef, fp) and returns the inclusion
	// receipt. Fails with ErrLedgerUnavailable or ErrLedgerRejected.
	Submit(ctx context.Context, caseRef, evidenceRef string, fp Digest) (Receipt, error)

	// IsAnchored is the read-only membership check. A false return means the
	// ledger was reached and holds no anchor for (evidenceRef, fp); an
	// ErrLedgerUnavailable error means it could not be reached at all.
	IsAnchored(ctx context.Context, evidenceRef string, fp Digest) (bool, error)
}

type memoryAnchor struct {
	caseRef string
	fp      Digest
	receipt Receipt
}

// MemoryLedger is an in-process append-only ledger. It backs tests and
// single-machine deployments where no gateway is configured, and serves as
// the reference semantics for the contract surface: an evidence ref anchors
// exactly one fingerprint, re-submitting the same pair returns the original
// receipt, and a conflicting fingerprint is rejected.
type MemoryLedger struct {
	mu        sync.RWMutex
	anchors   map[string]memoryAnchor
	available bool
	latency   time.Duration
}

// NewMemoryLedger creates an empty, reachable in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{anchors: make(map[string]memoryAnchor), available: true}
}

// SetAvailable toggles reachability; when false both calls fail with
// ErrLedgerUnavailable.
func (m *MemoryLedger) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

// SetLatency delays subsequent Submit calls, to exercise caller timeouts.
func (m *MemoryLedger) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Submit records the anchor. Duplicate submissions of the same fingerprint
// are idempotent; a different fingerprint for a known ref is rejected.
func (m *MemoryLedger) Submit(ctx context.Context, caseRef, evidenceRef string, fp Digest) (Receipt, error) {
	m.mu.RLock()
	latency := m.latency
	m.mu.RUnlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, ctx.Err())
		case <-t.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return Receipt{}, ErrLedgerUnavailable
	}
	if evidenceRef == "" || caseRef == "" {
		return Receipt{}, fmt.Errorf("%w: empty reference", ErrLedgerRejected)
	}
	if prev, ok := m.anchors[evidenceRef]; ok {
		if prev.fp == fp {
			return prev.receipt, nil
		}
		return Receipt{}, fmt.Errorf("%w: %s already anchored with a different fingerprint", ErrLedgerRejected, evidenceRef)
	}
	rcpt := Receipt{TxID: memoryTxID(caseRef, evidenceRef, fp), AnchoredAt: time.Now().UTC()}
	m.anchors[evidenceRef] = memoryAnchor{caseRef: caseRef, fp: fp, receipt: rcpt}
	return rcpt, nil
}

// IsAnchored reports whether (evidenceRef, fp) is on the ledger.
func (m *MemoryLedger) IsAnchored(_ context.Context, evidenceRef string, fp Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.available {
		return false, ErrLedgerUnavailable
	}
	a, ok := m.anchors[evidenceRef]
	return ok && a.fp == fp, nil
}

// memoryTxID derives a deterministic transaction id so a re-submission of the
// same anchor yields the same receipt.
func memoryTxID(caseRef, evidenceRef string, fp Digest) string {
	h := sha256.New()
	h.Write([]byte(caseRef))
	h.Write([]byte{0})
	h.Write([]byte(evidenceRef))
	h.Write([]byte{0})
	h.Write(fp[:])
	sum := h.Sum(nil)
	return "tx:0x" + hex.EncodeToString(sum[:20])
}
