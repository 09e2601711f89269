package custody

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// FileStore implements RecordStore on a local directory, for embedded and
// zero-SQL deployments. Layout:
//
//	{dir}/{evidenceRef}/content.bin - raw evidence bytes, written once
//	{dir}/{evidenceRef}/record.gob  - metadata (everything but content)
//
// Content is never rewritten by this store; metadata updates are whole-file
// replace-on-write, giving last-writer-wins per record.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

const (
	contentFileName = "content.bin"
	metaFileName    = "record.gob"
)

// fileMeta is the persisted metadata form; content lives in its own file.
type fileMeta struct {
	EvidenceRef        string
	CaseRef            string
	FileName           string
	MimeType           string
	Description        string
	SizeBytes          int
	ContentFingerprint Digest
	LedgerReceipt      *Receipt
	VerificationState  VerificationState
	LastVerifiedAt     *time.Time
	UploadedBy         string
	UploadedAt         time.Time
}

var refPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// OpenFileStore creates or opens a directory-backed store.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) refDir(evidenceRef string) (string, error) {
	if !refPattern.MatchString(evidenceRef) {
		return "", fmt.Errorf("%w: malformed ref %q", ErrNotFound, evidenceRef)
	}
	return filepath.Join(s.dir, evidenceRef), nil
}

// Create persists a new record. The ref directory doubles as the uniqueness
// guard: Mkdir fails if the ref is already taken.
func (s *FileStore) Create(_ context.Context, rec EvidenceRecord) error {
	if !refPattern.MatchString(rec.EvidenceRef) {
		return fmt.Errorf("malformed evidence ref %q", rec.EvidenceRef)
	}
	dir := filepath.Join(s.dir, rec.EvidenceRef)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Mkdir(dir, 0o700); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRef, rec.EvidenceRef)
		}
		return err
	}

	if err := writeFileSync(filepath.Join(dir, contentFileName), rec.Content); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	if err := s.writeMeta(dir, metaFromRecord(rec)); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	return nil
}

// Get loads a record, including content bytes.
func (s *FileStore) Get(_ context.Context, evidenceRef string) (EvidenceRecord, error) {
	dir, err := s.refDir(evidenceRef)
	if err != nil {
		return EvidenceRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta(dir, evidenceRef)
	if err != nil {
		return EvidenceRecord{}, err
	}
	content, err := os.ReadFile(filepath.Join(dir, contentFileName))
	if err != nil {
		return EvidenceRecord{}, fmt.Errorf("read content for %s: %w", evidenceRef, err)
	}
	rec := recordFromMeta(meta)
	rec.Content = content
	return rec, nil
}

// ListByCase scans the ref directories and returns the case's evidence
// metadata, newest upload first. Content bytes stay on disk.
func (s *FileStore) ListByCase(_ context.Context, caseRef string) ([]EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []EvidenceRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.readMeta(filepath.Join(s.dir, e.Name()), e.Name())
		if err != nil {
			// A ref directory without metadata is a half-finished create;
			// it is not listable evidence.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if meta.CaseRef != caseRef {
			continue
		}
		out = append(out, recordFromMeta(meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}

// UpdateVerification rewrites the metadata file with the new verdict.
func (s *FileStore) UpdateVerification(_ context.Context, evidenceRef string, state VerificationState, at time.Time) error {
	if !state.Valid() {
		return fmt.Errorf("invalid verification state %q", state)
	}
	return s.mutateMeta(evidenceRef, func(m *fileMeta) {
		m.VerificationState = state
		t := at
		m.LastVerifiedAt = &t
	})
}

// AttachLedgerReceipt rewrites the metadata file with the anchor receipt.
func (s *FileStore) AttachLedgerReceipt(_ context.Context, evidenceRef string, receipt Receipt) error {
	return s.mutateMeta(evidenceRef, func(m *fileMeta) {
		r := receipt
		m.LedgerReceipt = &r
	})
}

func (s *FileStore) mutateMeta(evidenceRef string, mutate func(*fileMeta)) error {
	dir, err := s.refDir(evidenceRef)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta(dir, evidenceRef)
	if err != nil {
		return err
	}
	mutate(&meta)
	return s.writeMeta(dir, meta)
}

func (s *FileStore) readMeta(dir, evidenceRef string) (fileMeta, error) {
	f, err := os.Open(filepath.Join(dir, metaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileMeta{}, fmt.Errorf("%w: %s", ErrNotFound, evidenceRef)
		}
		return fileMeta{}, err
	}
	defer f.Close()
	var meta fileMeta
	if err := gob.NewDecoder(f).Decode(&meta); err != nil {
		return fileMeta{}, fmt.Errorf("decode metadata for %s: %w", evidenceRef, err)
	}
	return meta, nil
}

// writeMeta replaces the metadata file atomically via rename.
func (s *FileStore) writeMeta(dir string, meta fileMeta) error {
	tmp, err := os.CreateTemp(dir, metaFileName+".tmp-*")
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(tmp).Encode(meta); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, metaFileName))
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func metaFromRecord(rec EvidenceRecord) fileMeta {
	return fileMeta{
		EvidenceRef:        rec.EvidenceRef,
		CaseRef:            rec.CaseRef,
		FileName:           rec.FileName,
		MimeType:           rec.MimeType,
		Description:        rec.Description,
		SizeBytes:          len(rec.Content),
		ContentFingerprint: rec.ContentFingerprint,
		LedgerReceipt:      rec.LedgerReceipt,
		VerificationState:  rec.VerificationState,
		LastVerifiedAt:     rec.LastVerifiedAt,
		UploadedBy:         rec.UploadedBy,
		UploadedAt:         rec.UploadedAt,
	}
}

func recordFromMeta(m fileMeta) EvidenceRecord {
	return EvidenceRecord{
		EvidenceRef:        m.EvidenceRef,
		CaseRef:            m.CaseRef,
		FileName:           m.FileName,
		MimeType:           m.MimeType,
		Description:        m.Description,
		SizeBytes:          m.SizeBytes,
		ContentFingerprint: m.ContentFingerprint,
		LedgerReceipt:      m.LedgerReceipt,
		VerificationState:  m.VerificationState,
		LastVerifiedAt:     m.LastVerifiedAt,
		UploadedBy:         m.UploadedBy,
		UploadedAt:         m.UploadedAt,
	}
}
