package custody

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// VerificationState classifies the outcome of the most recent verification run.
type VerificationState string

const (
	// StatePending means the record was created but never verified.
	StatePending VerificationState = "pending"
	// StateVerified means stored content matches its fingerprint and the
	// ledger witnessed that fingerprint.
	StateVerified VerificationState = "verified"
	// StateTampered means the integrity proof failed: either the stored
	// content no longer produces the committed fingerprint, or the ledger is
	// reachable and has no anchor for it.
	StateTampered VerificationState = "tampered"
	// StateUnknown means the ledger witness was unreachable; absence of the
	// witness is never tamper evidence.
	StateUnknown VerificationState = "unknown"
)

// Valid reports whether s is one of the four defined states.
func (s VerificationState) Valid() bool {
	switch s {
	case StatePending, StateVerified, StateTampered, StateUnknown:
		return true
	}
	return false
}

// Receipt proves a fingerprint was submitted to the ledger.
type Receipt struct {
	TxID       string    `json:"tx_id"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// EvidenceRecord is the durable unit of custody. Content and fingerprint are
// immutable after creation; a changed file is a new record. Only the Verifier
// writes VerificationState and LastVerifiedAt.
type EvidenceRecord struct {
	EvidenceRef        string
	CaseRef            string
	FileName           string
	MimeType           string
	Description        string
	Content            []byte
	SizeBytes          int // len(Content); stores set it on reads so listings can elide content
	ContentFingerprint Digest
	LedgerReceipt      *Receipt // nil until the anchor submission is confirmed
	VerificationState  VerificationState
	LastVerifiedAt     *time.Time
	UploadedBy         string
	UploadedAt         time.Time
}

// Anchored reports whether the record carries a confirmed ledger receipt.
func (r EvidenceRecord) Anchored() bool { return r.LedgerReceipt != nil }

// ErrNotFound is returned when a referenced evidence record does not exist.
var ErrNotFound = errors.New("evidence not found")

// ErrDuplicateRef is returned by Create when the evidence ref is already
// taken. Callers treat it as retryable with a fresh ref.
var ErrDuplicateRef = errors.New("evidence ref already exists")

// ErrCaseNotFound is returned when a referenced case does not exist.
var ErrCaseNotFound = errors.New("case not found")

// ErrDuplicateCase is returned when creating a case whose ref is taken.
var ErrDuplicateCase = errors.New("case ref already exists")

// RecordStore is the persistence boundary for evidence. It carries no
// integrity semantics. Implementations must provide read-after-write
// consistency per evidence ref, and must apply UpdateVerification as a
// last-writer-wins single-record write.
type RecordStore interface {
	Create(ctx context.Context, rec EvidenceRecord) error
	Get(ctx context.Context, evidenceRef string) (EvidenceRecord, error)
	// ListByCase returns the records attached to caseRef, newest upload
	// first. Content bytes are elided; SizeBytes carries the stored length.
	ListByCase(ctx context.Context, caseRef string) ([]EvidenceRecord, error)
	UpdateVerification(ctx context.Context, evidenceRef string, state VerificationState, at time.Time) error
	AttachLedgerReceipt(ctx context.Context, evidenceRef string, receipt Receipt) error
}

// Case statuses.
const (
	CaseOpen   = "open"
	CaseClosed = "closed"
)

// Case is an investigation case that evidence attaches to.
type Case struct {
	CaseRef     string    `json:"case_ref"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	OpenedAt    time.Time `json:"opened_at"`
}

// CaseDirectory resolves case references at evidence intake time.
type CaseDirectory interface {
	CreateCase(ctx context.Context, c Case) error
	CaseExists(ctx context.Context, caseRef string) (bool, error)
	GetCase(ctx context.Context, caseRef string) (Case, error)
	ListCases(ctx context.Context) ([]Case, error)
}

// StaticCaseDirectory is an in-memory CaseDirectory for deployments whose
// record store has no case table (the filesystem store) and for tests.
type StaticCaseDirectory struct {
	mu    sync.RWMutex
	cases map[string]Case
}

// NewStaticCaseDirectory creates an empty in-memory case directory.
func NewStaticCaseDirectory() *StaticCaseDirectory {
	return &StaticCaseDirectory{cases: make(map[string]Case)}
}

// CreateCase registers a case; the ref must be unused.
func (d *StaticCaseDirectory) CreateCase(_ context.Context, c Case) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cases[c.CaseRef]; ok {
		return ErrDuplicateCase
	}
	if c.Status == "" {
		c.Status = CaseOpen
	}
	d.cases[c.CaseRef] = c
	return nil
}

// CaseExists reports whether caseRef is registered.
func (d *StaticCaseDirectory) CaseExists(_ context.Context, caseRef string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.cases[caseRef]
	return ok, nil
}

// GetCase returns the case for caseRef.
func (d *StaticCaseDirectory) GetCase(_ context.Context, caseRef string) (Case, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cases[caseRef]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return c, nil
}

// ListCases returns all cases, most recently opened first.
func (d *StaticCaseDirectory) ListCases(_ context.Context) ([]Case, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Case, 0, len(d.cases))
	for _, c := range d.cases {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}
