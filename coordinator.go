package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Intake validation errors. All are rejected before any write.
var (
	ErrEmptyContent     = errors.New("content is empty")
	ErrContentTooLarge  = errors.New("content exceeds maximum size")
	ErrInvalidPrincipal = errors.New("invalid principal address")
)

// Coordinator defaults.
const (
	DefaultMaxContentSize = 25 << 20 // 25 MiB
	DefaultSubmitTimeout  = 30 * time.Second

	refAllocAttempts = 3
)

// CoordinatorConfig bounds the intake path.
type CoordinatorConfig struct {
	// MaxContentSize is the largest accepted evidence payload in bytes.
	MaxContentSize int64
	// SubmitTimeout bounds a single ledger submission so a hung ledger
	// endpoint cannot stall the upload response indefinitely.
	SubmitTimeout time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxContentSize <= 0 {
		c.MaxContentSize = DefaultMaxContentSize
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	return c
}

// CreateRequest is the intake input for a new piece of evidence.
type CreateRequest struct {
	CaseRef     string
	Content     []byte
	UploadedBy  string
	FileName    string
	MimeType    string
	Description string
}

// CreateResult is the intake outcome. AnchorPending is set when the record
// was durably created but the ledger anchor could not be confirmed yet; the
// record is valid evidence and Reanchor can be invoked later.
type CreateResult struct {
	Record        EvidenceRecord
	AnchorPending bool
	AnchorWarning string
}

// Coordinator orchestrates evidence intake: fingerprint, durable record
// write, then ledger anchor. The record-store write is the durability commit
// point; the ledger is a non-repudiation witness, and its unavailability
// never loses evidence.
type Coordinator struct {
	store  RecordStore
	cases  CaseDirectory
	ledger LedgerClient
	cfg    CoordinatorConfig
	log    *zap.Logger
	now    func() time.Time
}

// NewCoordinator wires an intake coordinator. A nil logger disables logging.
func NewCoordinator(store RecordStore, cases CaseDirectory, ledger LedgerClient, cfg CoordinatorConfig, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:  store,
		cases:  cases,
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
	}
}

// CreateEvidence validates, fingerprints, durably persists, and then anchors
// a new piece of evidence.
//
// Ledger outcomes map as follows: success attaches the receipt; a transient
// failure or timeout downgrades to an AnchorPending warning on an otherwise
// successful result; a contract-level rejection surfaces ErrLedgerRejected
// while keeping the record (the audit trail survives).
func (c *Coordinator) CreateEvidence(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if len(req.Content) == 0 {
		return CreateResult{}, ErrEmptyContent
	}
	if int64(len(req.Content)) > c.cfg.MaxContentSize {
		return CreateResult{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrContentTooLarge, len(req.Content), c.cfg.MaxContentSize)
	}
	if !ValidPrincipal(req.UploadedBy) {
		return CreateResult{}, fmt.Errorf("%w: %q", ErrInvalidPrincipal, req.UploadedBy)
	}
	ok, err := c.cases.CaseExists(ctx, req.CaseRef)
	if err != nil {
		return CreateResult{}, fmt.Errorf("resolve case %s: %w", req.CaseRef, err)
	}
	if !ok {
		return CreateResult{}, fmt.Errorf("%w: %s", ErrCaseNotFound, req.CaseRef)
	}

	rec := EvidenceRecord{
		CaseRef:            req.CaseRef,
		FileName:           req.FileName,
		MimeType:           req.MimeType,
		Description:        req.Description,
		Content:            req.Content,
		SizeBytes:          len(req.Content),
		ContentFingerprint: Fingerprint(req.Content),
		VerificationState:  StatePending,
		UploadedBy:         req.UploadedBy,
		UploadedAt:         c.now().UTC(),
	}

	// Ref collisions are retryable, not fatal: reroll the random suffix.
	createErr := error(nil)
	for attempt := 0; attempt < refAllocAttempts; attempt++ {
		rec.EvidenceRef = newEvidenceRef(c.now())
		createErr = c.store.Create(ctx, rec)
		if !errors.Is(createErr, ErrDuplicateRef) {
			break
		}
	}
	if createErr != nil {
		return CreateResult{}, fmt.Errorf("persist evidence: %w", createErr)
	}

	return c.anchor(ctx, rec)
}

// Reanchor retries the ledger submission for a record whose anchor is still
// pending. Idempotent: a record that already carries a receipt is returned
// unchanged without touching the ledger.
func (c *Coordinator) Reanchor(ctx context.Context, evidenceRef string) (CreateResult, error) {
	rec, err := c.store.Get(ctx, evidenceRef)
	if err != nil {
		return CreateResult{}, err
	}
	if rec.Anchored() {
		return CreateResult{Record: rec}, nil
	}
	return c.anchor(ctx, rec)
}

func (c *Coordinator) anchor(ctx context.Context, rec EvidenceRecord) (CreateResult, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	receipt, err := c.ledger.Submit(sctx, rec.CaseRef, rec.EvidenceRef, rec.ContentFingerprint)
	switch {
	case err == nil:
		if aerr := c.store.AttachLedgerReceipt(ctx, rec.EvidenceRef, receipt); aerr != nil {
			return CreateResult{}, fmt.Errorf("attach receipt for %s: %w", rec.EvidenceRef, aerr)
		}
		rec.LedgerReceipt = &receipt
		return CreateResult{Record: rec}, nil

	case errors.Is(err, ErrLedgerRejected):
		c.log.Error("ledger rejected anchor",
			zap.String("evidence_ref", rec.EvidenceRef),
			zap.String("case_ref", rec.CaseRef),
			zap.Error(err))
		return CreateResult{Record: rec}, err

	default:
		// Transient: the record stands, the anchor stays pending.
		c.log.Warn("anchor submission failed, receipt pending",
			zap.String("evidence_ref", rec.EvidenceRef),
			zap.Error(err))
		return CreateResult{
			Record:        rec,
			AnchorPending: true,
			AnchorWarning: "evidence stored; ledger anchor pending: " + err.Error(),
		}, nil
	}
}

// newEvidenceRef allocates a time-ordered ref with a random suffix, e.g.
// EV-1756710000123-9f2c41aa. Uniqueness is enforced by the record store.
func newEvidenceRef(now time.Time) string {
	return fmt.Sprintf("EV-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
