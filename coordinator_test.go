package custody

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testUploader = "0x52908400098527886e0f7030069857d2e4169ee7"

func newTestCoordinator(t *testing.T, ledger LedgerClient) (*Coordinator, *SQLiteStore) {
	t.Helper()
	store := openTestSQLite(t)
	require.NoError(t, store.CreateCase(context.Background(),
		Case{CaseRef: "CASE-1", Title: "Theft", OpenedAt: time.Now()}))
	coord := NewCoordinator(store, store, ledger, CoordinatorConfig{}, zaptest.NewLogger(t))
	return coord, store
}

func TestCreateEvidence_AnchorsOnFirstTry(t *testing.T) {
	ledger := NewMemoryLedger()
	coord, store := newTestCoordinator(t, ledger)
	ctx := context.Background()

	res, err := coord.CreateEvidence(ctx, CreateRequest{
		CaseRef:    "CASE-1",
		Content:    []byte("hello"),
		UploadedBy: testUploader,
		FileName:   "note.txt",
	})
	require.NoError(t, err)
	assert.False(t, res.AnchorPending)
	assert.Empty(t, res.AnchorWarning)

	rec := res.Record
	assert.True(t, strings.HasPrefix(rec.EvidenceRef, "EV-"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", rec.ContentFingerprint.Hex())
	assert.Equal(t, StatePending, rec.VerificationState)
	require.NotNil(t, rec.LedgerReceipt)

	// The receipt reached durable storage, not just the returned copy.
	stored, err := store.Get(ctx, rec.EvidenceRef)
	require.NoError(t, err)
	require.NotNil(t, stored.LedgerReceipt)
	assert.Equal(t, rec.LedgerReceipt.TxID, stored.LedgerReceipt.TxID)

	anchored, err := ledger.IsAnchored(ctx, rec.EvidenceRef, rec.ContentFingerprint)
	require.NoError(t, err)
	assert.True(t, anchored)
}

func TestCreateEvidence_Validation(t *testing.T) {
	coord, _ := newTestCoordinator(t, NewMemoryLedger())
	ctx := context.Background()

	_, err := coord.CreateEvidence(ctx, CreateRequest{CaseRef: "CASE-1", UploadedBy: testUploader})
	assert.ErrorIs(t, err, ErrEmptyContent)

	big := bytes.Repeat([]byte("x"), 1024)
	small := NewCoordinator(openTestSQLite(t), NewStaticCaseDirectory(), NewMemoryLedger(),
		CoordinatorConfig{MaxContentSize: 512}, nil)
	_, err = small.CreateEvidence(ctx, CreateRequest{CaseRef: "CASE-1", Content: big, UploadedBy: testUploader})
	assert.ErrorIs(t, err, ErrContentTooLarge)

	_, err = coord.CreateEvidence(ctx, CreateRequest{CaseRef: "CASE-1", Content: []byte("x"), UploadedBy: "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidPrincipal)

	_, err = coord.CreateEvidence(ctx, CreateRequest{CaseRef: "CASE-missing", Content: []byte("x"), UploadedBy: testUploader})
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestCreateEvidence_LedgerDownStillSucceeds(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.SetAvailable(false)
	coord, store := newTestCoordinator(t, ledger)
	ctx := context.Background()

	res, err := coord.CreateEvidence(ctx, CreateRequest{
		CaseRef:    "CASE-1",
		Content:    []byte("hello"),
		UploadedBy: testUploader,
	})
	require.NoError(t, err, "ledger outage must not fail intake")
	assert.True(t, res.AnchorPending)
	assert.Contains(t, res.AnchorWarning, "anchor pending")
	assert.Nil(t, res.Record.LedgerReceipt)

	// The record exists durably and is distinguishable from an anchored one.
	stored, err := store.Get(ctx, res.Record.EvidenceRef)
	require.NoError(t, err)
	assert.Nil(t, stored.LedgerReceipt)
	assert.False(t, stored.Anchored())
}

func TestCreateEvidence_SubmitTimeoutBounded(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.SetLatency(5 * time.Second)
	store := openTestSQLite(t)
	require.NoError(t, store.CreateCase(context.Background(),
		Case{CaseRef: "CASE-1", Title: "t", OpenedAt: time.Now()}))
	coord := NewCoordinator(store, store, ledger,
		CoordinatorConfig{SubmitTimeout: 30 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	res, err := coord.CreateEvidence(context.Background(), CreateRequest{
		CaseRef:    "CASE-1",
		Content:    []byte("slow ledger"),
		UploadedBy: testUploader,
	})
	require.NoError(t, err)
	assert.True(t, res.AnchorPending)
	assert.Less(t, time.Since(start), 2*time.Second, "upload must not wait out a hung ledger")
}

func TestCreateEvidence_LedgerRejectedKeepsRecord(t *testing.T) {
	ledger := &stubLedger{submitErr: ErrLedgerRejected}
	coord, store := newTestCoordinator(t, ledger)
	ctx := context.Background()

	res, err := coord.CreateEvidence(ctx, CreateRequest{
		CaseRef:    "CASE-1",
		Content:    []byte("hello"),
		UploadedBy: testUploader,
	})
	require.ErrorIs(t, err, ErrLedgerRejected)
	require.NotEmpty(t, res.Record.EvidenceRef, "rejected anchor must still return the record")

	// Audit trail survives: the record is durable, just unanchored.
	stored, err := store.Get(ctx, res.Record.EvidenceRef)
	require.NoError(t, err)
	assert.Nil(t, stored.LedgerReceipt)
}

func TestReanchor_AttachesReceiptAfterRecovery(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.SetAvailable(false)
	coord, store := newTestCoordinator(t, ledger)
	ctx := context.Background()

	res, err := coord.CreateEvidence(ctx, CreateRequest{
		CaseRef:    "CASE-1",
		Content:    []byte("hello"),
		UploadedBy: testUploader,
	})
	require.NoError(t, err)
	require.True(t, res.AnchorPending)
	ref := res.Record.EvidenceRef

	// Still down: reanchor reports pending again, no error.
	res, err = coord.Reanchor(ctx, ref)
	require.NoError(t, err)
	assert.True(t, res.AnchorPending)

	ledger.SetAvailable(true)
	res, err = coord.Reanchor(ctx, ref)
	require.NoError(t, err)
	assert.False(t, res.AnchorPending)
	require.NotNil(t, res.Record.LedgerReceipt)

	stored, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, stored.LedgerReceipt)
}

func TestReanchor_IdempotentOnceAnchored(t *testing.T) {
	ledger := &stubLedger{}
	coord, _ := newTestCoordinator(t, ledger)
	ctx := context.Background()

	res, err := coord.CreateEvidence(ctx, CreateRequest{
		CaseRef:    "CASE-1",
		Content:    []byte("hello"),
		UploadedBy: testUploader,
	})
	require.NoError(t, err)
	submitsAfterCreate, _ := ledger.calls()
	require.Equal(t, 1, submitsAfterCreate)

	got, err := coord.Reanchor(ctx, res.Record.EvidenceRef)
	require.NoError(t, err)
	assert.Equal(t, res.Record.LedgerReceipt.TxID, got.Record.LedgerReceipt.TxID)

	submits, _ := ledger.calls()
	assert.Equal(t, 1, submits, "anchored record must not be resubmitted")
}

func TestCreateEvidence_RefCollisionRerolls(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, store.CreateCase(ctx, Case{CaseRef: "CASE-1", Title: "t", OpenedAt: time.Now()}))

	colliding := &collidingStore{RecordStore: store, collisions: 1}
	coord := NewCoordinator(colliding, store, NewMemoryLedger(), CoordinatorConfig{}, zaptest.NewLogger(t))

	res, err := coord.CreateEvidence(ctx, CreateRequest{
		CaseRef:    "CASE-1",
		Content:    []byte("hello"),
		UploadedBy: testUploader,
	})
	require.NoError(t, err, "a single ref collision must not fail intake")
	require.Len(t, colliding.refs, 2)
	assert.NotEqual(t, colliding.refs[0], colliding.refs[1], "collision must reroll the ref")
	assert.Equal(t, colliding.refs[1], res.Record.EvidenceRef)

	stored, err := store.Get(ctx, res.Record.EvidenceRef)
	require.NoError(t, err)
	assert.Equal(t, res.Record.ContentFingerprint, stored.ContentFingerprint)
}

func TestCreateEvidence_RefAllocationExhaustion(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, store.CreateCase(ctx, Case{CaseRef: "CASE-1", Title: "t", OpenedAt: time.Now()}))

	colliding := &collidingStore{RecordStore: store, collisions: refAllocAttempts}
	coord := NewCoordinator(colliding, store, NewMemoryLedger(), CoordinatorConfig{}, zaptest.NewLogger(t))

	_, err := coord.CreateEvidence(ctx, CreateRequest{
		CaseRef:    "CASE-1",
		Content:    []byte("hello"),
		UploadedBy: testUploader,
	})
	require.ErrorIs(t, err, ErrDuplicateRef)
	assert.Len(t, colliding.refs, refAllocAttempts, "allocation must give up after the retry limit")
}

func TestReanchor_NotFound(t *testing.T) {
	coord, _ := newTestCoordinator(t, NewMemoryLedger())
	_, err := coord.Reanchor(context.Background(), "EV-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewEvidenceRef_Format(t *testing.T) {
	now := time.UnixMilli(1756710000123)
	ref := newEvidenceRef(now)
	assert.Regexp(t, `^EV-1756710000123-[0-9a-f]{8}$`, ref)
	assert.NotEqual(t, ref, newEvidenceRef(now), "random suffix must differ")
}
