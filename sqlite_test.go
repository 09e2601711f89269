package custody

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore("file:" + filepath.Join(t.TempDir(), "custody.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(ref, caseRef string, content []byte) EvidenceRecord {
	return EvidenceRecord{
		EvidenceRef:        ref,
		CaseRef:            caseRef,
		FileName:           "report.pdf",
		MimeType:           "application/pdf",
		Description:        "intake scan",
		Content:            content,
		ContentFingerprint: Fingerprint(content),
		VerificationState:  StatePending,
		UploadedBy:         "0x52908400098527886e0f7030069857d2e4169ee7",
		UploadedAt:         time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestSQLiteStore_CreateGetRoundTrip(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	if err := store.CreateCase(ctx, Case{CaseRef: "CASE-1", Title: "Theft", OpenedAt: time.Now()}); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	rec := sampleRecord("EV-1", "CASE-1", []byte("file bytes"))
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "EV-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CaseRef != rec.CaseRef || got.FileName != rec.FileName || got.UploadedBy != rec.UploadedBy {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if string(got.Content) != "file bytes" {
		t.Fatalf("content mismatch: %q", got.Content)
	}
	if got.ContentFingerprint != rec.ContentFingerprint {
		t.Fatalf("fingerprint mismatch: %s != %s", got.ContentFingerprint.Hex(), rec.ContentFingerprint.Hex())
	}
	if got.VerificationState != StatePending {
		t.Fatalf("state = %s, want pending", got.VerificationState)
	}
	if got.LedgerReceipt != nil || got.LastVerifiedAt != nil {
		t.Fatal("fresh record must have no receipt and no verification timestamp")
	}
}

func TestSQLiteStore_DuplicateRef(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	if err := store.CreateCase(ctx, Case{CaseRef: "CASE-1", Title: "t", OpenedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	rec := sampleRecord("EV-dup", "CASE-1", []byte("a"))
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	err := store.Create(ctx, rec)
	if !errors.Is(err, ErrDuplicateRef) {
		t.Fatalf("duplicate create: got %v, want ErrDuplicateRef", err)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "EV-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
	if err := store.UpdateVerification(ctx, "EV-missing", StateVerified, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateVerification missing: got %v, want ErrNotFound", err)
	}
	if err := store.AttachLedgerReceipt(ctx, "EV-missing", Receipt{TxID: "tx:0xabc"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AttachLedgerReceipt missing: got %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_VerificationAndReceiptUpdates(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	if err := store.CreateCase(ctx, Case{CaseRef: "CASE-1", Title: "t", OpenedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, sampleRecord("EV-1", "CASE-1", []byte("a"))); err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.UpdateVerification(ctx, "EV-1", StateVerified, at); err != nil {
		t.Fatalf("UpdateVerification failed: %v", err)
	}
	receipt := Receipt{TxID: "tx:0xabc", AnchoredAt: at}
	if err := store.AttachLedgerReceipt(ctx, "EV-1", receipt); err != nil {
		t.Fatalf("AttachLedgerReceipt failed: %v", err)
	}

	got, err := store.Get(ctx, "EV-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.VerificationState != StateVerified {
		t.Fatalf("state = %s, want verified", got.VerificationState)
	}
	if got.LastVerifiedAt == nil || !got.LastVerifiedAt.Equal(at) {
		t.Fatalf("last verified at = %v, want %v", got.LastVerifiedAt, at)
	}
	if got.LedgerReceipt == nil || got.LedgerReceipt.TxID != "tx:0xabc" {
		t.Fatalf("receipt = %+v", got.LedgerReceipt)
	}

	// Last writer wins on repeated verdicts.
	later := at.Add(time.Minute)
	if err := store.UpdateVerification(ctx, "EV-1", StateUnknown, later); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, "EV-1")
	if got.VerificationState != StateUnknown || !got.LastVerifiedAt.Equal(later) {
		t.Fatalf("after second update: %s at %v", got.VerificationState, got.LastVerifiedAt)
	}
}

func TestSQLiteStore_ListByCase(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	for _, ref := range []string{"CASE-1", "CASE-2"} {
		if err := store.CreateCase(ctx, Case{CaseRef: ref, Title: "t", OpenedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	first := sampleRecord("EV-1", "CASE-1", []byte("first"))
	first.UploadedAt = time.Now().UTC().Add(-time.Hour)
	second := sampleRecord("EV-2", "CASE-1", []byte("second bytes"))
	other := sampleRecord("EV-3", "CASE-2", []byte("elsewhere"))
	for _, rec := range []EvidenceRecord{first, second, other} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := store.ListByCase(ctx, "CASE-1")
	if err != nil {
		t.Fatalf("ListByCase failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].EvidenceRef != "EV-2" || recs[1].EvidenceRef != "EV-1" {
		t.Fatalf("order wrong: %s, %s", recs[0].EvidenceRef, recs[1].EvidenceRef)
	}
	for _, rec := range recs {
		if rec.Content != nil {
			t.Fatalf("%s: listing must not carry content bytes", rec.EvidenceRef)
		}
	}
	if recs[0].SizeBytes != len("second bytes") {
		t.Fatalf("size = %d, want %d", recs[0].SizeBytes, len("second bytes"))
	}
	if recs[0].ContentFingerprint != second.ContentFingerprint {
		t.Fatal("fingerprint mismatch in listing")
	}

	empty, err := store.ListByCase(ctx, "CASE-empty")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("unknown case listed %d records", len(empty))
	}
}

func TestSQLiteStore_RejectsInvalidState(t *testing.T) {
	store := openTestSQLite(t)
	if err := store.UpdateVerification(context.Background(), "EV-1", VerificationState("bogus"), time.Now()); err == nil {
		t.Fatal("invalid verification state accepted")
	}
}

func TestSQLiteStore_CaseDirectory(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	ok, err := store.CaseExists(ctx, "CASE-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("case exists before creation")
	}

	opened := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.CreateCase(ctx, Case{CaseRef: "CASE-1", Title: "Theft", Description: "d", OpenedAt: opened}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateCase(ctx, Case{CaseRef: "CASE-2", Title: "Fraud", OpenedAt: opened.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateCase(ctx, Case{CaseRef: "CASE-1", Title: "again", OpenedAt: opened}); !errors.Is(err, ErrDuplicateCase) {
		t.Fatalf("duplicate case: got %v, want ErrDuplicateCase", err)
	}

	ok, err = store.CaseExists(ctx, "CASE-1")
	if err != nil || !ok {
		t.Fatalf("CaseExists = %v, %v", ok, err)
	}

	c, err := store.GetCase(ctx, "CASE-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Title != "Theft" || c.Status != CaseOpen {
		t.Fatalf("case = %+v", c)
	}
	if _, err := store.GetCase(ctx, "CASE-missing"); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("GetCase missing: got %v, want ErrCaseNotFound", err)
	}

	cases, err := store.ListCases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 2 || cases[0].CaseRef != "CASE-2" {
		t.Fatalf("ListCases order wrong: %+v", cases)
	}
}
