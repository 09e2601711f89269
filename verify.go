package custody

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// VerdictReason records why a verdict was reached beyond the top-level state.
// Both content_hash_mismatch and fingerprint_not_anchored collapse to the
// tampered state, but audit consumers need to tell "stored bytes changed"
// apart from "claimed fingerprint was never witnessed".
type VerdictReason string

const (
	// ReasonAnchored: content matches its fingerprint and the ledger holds it.
	ReasonAnchored VerdictReason = "fingerprint_anchored"
	// ReasonHashMismatch: stored content no longer produces the committed
	// fingerprint (post-storage alteration or corruption).
	ReasonHashMismatch VerdictReason = "content_hash_mismatch"
	// ReasonNotAnchored: the ledger is reachable and has no anchor for the
	// committed fingerprint; a claimed-but-unwitnessed fingerprint is a
	// failed integrity proof.
	ReasonNotAnchored VerdictReason = "fingerprint_not_anchored"
	// ReasonLedgerUnreachable: the witness could not be consulted.
	ReasonLedgerUnreachable VerdictReason = "ledger_unreachable"
)

// VerificationResult is the audit output of a single verification run.
type VerificationResult struct {
	EvidenceRef        string
	StoredFingerprint  string
	CurrentFingerprint string
	HashesMatch        bool
	// LedgerConfirmed is nil when the ledger was not consulted (hash
	// mismatch) or unreachable.
	LedgerConfirmed *bool
	Verdict         VerificationState
	Reason          VerdictReason
	VerifiedAt      time.Time
}

// Verifier re-derives fingerprints and cross-checks them against the record
// store and the ledger to produce a tamper verdict. Runs are re-invokable
// from any prior state and idempotent when inputs are unchanged; only the
// verification timestamp advances.
type Verifier struct {
	store  RecordStore
	ledger LedgerClient
	log    *zap.Logger
	now    func() time.Time
}

// NewVerifier wires a verification engine. A nil logger disables logging.
func NewVerifier(store RecordStore, ledger LedgerClient, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{store: store, ledger: ledger, log: log, now: time.Now}
}

// Verify loads the record, recomputes its fingerprint, and classifies:
//
//	hash mismatch                 -> tampered (ledger not consulted)
//	hashes match, anchored        -> verified
//	hashes match, not anchored    -> tampered (distinct reason)
//	hashes match, ledger down     -> unknown (unavailability is not tamper)
//
// The verdict and timestamp are persisted unconditionally; every run is an
// audit point even when it repeats the previous verdict.
func (v *Verifier) Verify(ctx context.Context, evidenceRef string) (VerificationResult, error) {
	rec, err := v.store.Get(ctx, evidenceRef)
	if err != nil {
		return VerificationResult{}, err
	}

	now := v.now().UTC()
	current := Fingerprint(rec.Content)
	res := VerificationResult{
		EvidenceRef:        rec.EvidenceRef,
		StoredFingerprint:  rec.ContentFingerprint.Hex(),
		CurrentFingerprint: current.Hex(),
		HashesMatch:        current == rec.ContentFingerprint,
		VerifiedAt:         now,
	}

	if !res.HashesMatch {
		// The ledger cannot rehabilitate content that no longer produces the
		// committed fingerprint, so it is not consulted.
		res.Verdict, res.Reason = StateTampered, ReasonHashMismatch
	} else {
		anchored, lerr := v.ledger.IsAnchored(ctx, rec.EvidenceRef, rec.ContentFingerprint)
		switch {
		case lerr == nil && anchored:
			confirmed := true
			res.LedgerConfirmed = &confirmed
			res.Verdict, res.Reason = StateVerified, ReasonAnchored
		case lerr == nil:
			confirmed := false
			res.LedgerConfirmed = &confirmed
			res.Verdict, res.Reason = StateTampered, ReasonNotAnchored
		default:
			// "Could not determine" is a legitimate user-visible outcome,
			// not a system failure.
			v.log.Warn("ledger unreachable during verification",
				zap.String("evidence_ref", rec.EvidenceRef),
				zap.Error(lerr))
			res.Verdict, res.Reason = StateUnknown, ReasonLedgerUnreachable
		}
	}

	if err := v.store.UpdateVerification(ctx, rec.EvidenceRef, res.Verdict, now); err != nil {
		return VerificationResult{}, fmt.Errorf("record verdict for %s: %w", rec.EvidenceRef, err)
	}
	return res, nil
}
