package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// SQLiteStore persists evidence records and the case directory in a single
// SQLite database. It implements both RecordStore and CaseDirectory.
type SQLiteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS cases (
  case_ref    TEXT PRIMARY KEY,
  title       TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL DEFAULT 'open',
  opened_at   INTEGER NOT NULL                -- unix nanos
);
CREATE TABLE IF NOT EXISTS evidence (
  evidence_ref       TEXT PRIMARY KEY,
  case_ref           TEXT NOT NULL REFERENCES cases(case_ref),
  file_name          TEXT NOT NULL DEFAULT '',
  mime_type          TEXT NOT NULL DEFAULT '',
  description        TEXT NOT NULL DEFAULT '',
  content            BLOB NOT NULL,
  fingerprint        TEXT NOT NULL,           -- lowercase hex, canonical audit form
  receipt_tx         TEXT,
  receipt_at         INTEGER,
  verification_state TEXT NOT NULL DEFAULT 'pending',
  last_verified_at   INTEGER,
  uploaded_by        TEXT NOT NULL,
  uploaded_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS evidence_case_idx ON evidence(case_ref);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// isUniqueViolation detects a primary-key conflict from the sqlite driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts a new evidence record. This write is the durability commit
// point for evidence intake; once it returns nil the record exists regardless
// of later ledger outcomes.
func (s *SQLiteStore) Create(ctx context.Context, rec EvidenceRecord) error {
	var lastVerified any
	if rec.LastVerifiedAt != nil {
		lastVerified = rec.LastVerifiedAt.UnixNano()
	}
	var receiptTx, receiptAt any
	if rec.LedgerReceipt != nil {
		receiptTx = rec.LedgerReceipt.TxID
		receiptAt = rec.LedgerReceipt.AnchoredAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence(evidence_ref, case_ref, file_name, mime_type, description,
		   content, fingerprint, receipt_tx, receipt_at, verification_state, last_verified_at,
		   uploaded_by, uploaded_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EvidenceRef, rec.CaseRef, rec.FileName, rec.MimeType, rec.Description,
		rec.Content, rec.ContentFingerprint.Hex(), receiptTx, receiptAt,
		string(rec.VerificationState), lastVerified, rec.UploadedBy, rec.UploadedAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateRef, rec.EvidenceRef)
	}
	return err
}

// Get loads a record by evidence ref, including its content bytes.
func (s *SQLiteStore) Get(ctx context.Context, evidenceRef string) (EvidenceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT evidence_ref, case_ref, file_name, mime_type, description, content,
		   fingerprint, receipt_tx, receipt_at, verification_state, last_verified_at,
		   uploaded_by, uploaded_at
		 FROM evidence WHERE evidence_ref = ?`, evidenceRef)

	var rec EvidenceRecord
	var fpHex, state string
	var receiptTx sql.NullString
	var receiptAt, lastVerified sql.NullInt64
	var uploadedAt int64
	err := row.Scan(&rec.EvidenceRef, &rec.CaseRef, &rec.FileName, &rec.MimeType,
		&rec.Description, &rec.Content, &fpHex, &receiptTx, &receiptAt,
		&state, &lastVerified, &rec.UploadedBy, &uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EvidenceRecord{}, fmt.Errorf("%w: %s", ErrNotFound, evidenceRef)
	}
	if err != nil {
		return EvidenceRecord{}, err
	}

	rec.ContentFingerprint, err = ParseDigest(fpHex)
	if err != nil {
		return EvidenceRecord{}, fmt.Errorf("stored fingerprint for %s: %w", evidenceRef, err)
	}
	rec.SizeBytes = len(rec.Content)
	rec.VerificationState = VerificationState(state)
	rec.UploadedAt = time.Unix(0, uploadedAt).UTC()
	if receiptTx.Valid {
		rec.LedgerReceipt = &Receipt{TxID: receiptTx.String, AnchoredAt: time.Unix(0, receiptAt.Int64).UTC()}
	}
	if lastVerified.Valid {
		t := time.Unix(0, lastVerified.Int64).UTC()
		rec.LastVerifiedAt = &t
	}
	return rec, nil
}

// ListByCase returns the evidence records for a case, newest upload first.
// Content bytes stay in the database; length(content) fills SizeBytes.
func (s *SQLiteStore) ListByCase(ctx context.Context, caseRef string) ([]EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT evidence_ref, case_ref, file_name, mime_type, description, length(content),
		   fingerprint, receipt_tx, receipt_at, verification_state, last_verified_at,
		   uploaded_by, uploaded_at
		 FROM evidence WHERE case_ref = ? ORDER BY uploaded_at DESC`, caseRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvidenceRecord
	for rows.Next() {
		var rec EvidenceRecord
		var fpHex, state string
		var receiptTx sql.NullString
		var receiptAt, lastVerified sql.NullInt64
		var uploadedAt int64
		if err := rows.Scan(&rec.EvidenceRef, &rec.CaseRef, &rec.FileName, &rec.MimeType,
			&rec.Description, &rec.SizeBytes, &fpHex, &receiptTx, &receiptAt,
			&state, &lastVerified, &rec.UploadedBy, &uploadedAt); err != nil {
			return nil, err
		}
		rec.ContentFingerprint, err = ParseDigest(fpHex)
		if err != nil {
			return nil, fmt.Errorf("stored fingerprint for %s: %w", rec.EvidenceRef, err)
		}
		rec.VerificationState = VerificationState(state)
		rec.UploadedAt = time.Unix(0, uploadedAt).UTC()
		if receiptTx.Valid {
			rec.LedgerReceipt = &Receipt{TxID: receiptTx.String, AnchoredAt: time.Unix(0, receiptAt.Int64).UTC()}
		}
		if lastVerified.Valid {
			t := time.Unix(0, lastVerified.Int64).UTC()
			rec.LastVerifiedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateVerification records the verdict of a verification run. Last writer
// wins; concurrent runs for the same ref are each a single-record write.
func (s *SQLiteStore) UpdateVerification(ctx context.Context, evidenceRef string, state VerificationState, at time.Time) error {
	if !state.Valid() {
		return fmt.Errorf("invalid verification state %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE evidence SET verification_state = ?, last_verified_at = ? WHERE evidence_ref = ?`,
		string(state), at.UnixNano(), evidenceRef)
	if err != nil {
		return err
	}
	return requireRow(res, evidenceRef)
}

// AttachLedgerReceipt back-fills the anchor receipt after a successful or
// retried submission.
func (s *SQLiteStore) AttachLedgerReceipt(ctx context.Context, evidenceRef string, receipt Receipt) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE evidence SET receipt_tx = ?, receipt_at = ? WHERE evidence_ref = ?`,
		receipt.TxID, receipt.AnchoredAt.UnixNano(), evidenceRef)
	if err != nil {
		return err
	}
	return requireRow(res, evidenceRef)
}

func requireRow(res sql.Result, evidenceRef string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, evidenceRef)
	}
	return nil
}

// CreateCase registers a new investigation case.
func (s *SQLiteStore) CreateCase(ctx context.Context, c Case) error {
	if c.Status == "" {
		c.Status = CaseOpen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cases(case_ref, title, description, status, opened_at) VALUES(?, ?, ?, ?, ?)`,
		c.CaseRef, c.Title, c.Description, c.Status, c.OpenedAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateCase, c.CaseRef)
	}
	return err
}

// CaseExists reports whether caseRef resolves to a registered case.
func (s *SQLiteStore) CaseExists(ctx context.Context, caseRef string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE case_ref = ?`, caseRef).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetCase loads a single case.
func (s *SQLiteStore) GetCase(ctx context.Context, caseRef string) (Case, error) {
	var c Case
	var openedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT case_ref, title, description, status, opened_at FROM cases WHERE case_ref = ?`, caseRef).
		Scan(&c.CaseRef, &c.Title, &c.Description, &c.Status, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, fmt.Errorf("%w: %s", ErrCaseNotFound, caseRef)
	}
	if err != nil {
		return Case{}, err
	}
	c.OpenedAt = time.Unix(0, openedAt).UTC()
	return c, nil
}

// ListCases returns all cases, most recently opened first.
func (s *SQLiteStore) ListCases(ctx context.Context) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT case_ref, title, description, status, opened_at FROM cases ORDER BY opened_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Case
	for rows.Next() {
		var c Case
		var openedAt int64
		if err := rows.Scan(&c.CaseRef, &c.Title, &c.Description, &c.Status, &openedAt); err != nil {
			return nil, err
		}
		c.OpenedAt = time.Unix(0, openedAt).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
