package custody

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Server exposes the evidence intake, retrieval, and verification API
// consumed by the UI layer. Bodies are JSON by default; clients may
// negotiate CBOR (see codec.go).
type Server struct {
	coord     *Coordinator
	verifier  *Verifier
	store     RecordStore
	cases     CaseDirectory
	nonces    *NonceStore
	identity  IdentityProvider
	log       *zap.Logger
	tlsConfig *tls.Config
}

// NewServer wires the API server. A nil logger disables logging; the
// default identity provider admits any well-formed address, so production
// deployments should call SetIdentityProvider with an allowlist.
func NewServer(coord *Coordinator, verifier *Verifier, store RecordStore, cases CaseDirectory, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		coord:    coord,
		verifier: verifier,
		store:    store,
		cases:    cases,
		nonces:   NewNonceStore(0, 0),
		identity: NewStaticIdentityProvider(),
		log:      log,
	}
}

// SetIdentityProvider replaces the authentication boundary implementation.
func (s *Server) SetIdentityProvider(p IdentityProvider) {
	if p != nil {
		s.identity = p
	}
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// Wire DTOs.

type caseRequest struct {
	CaseRef     string `json:"case_ref"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type evidenceRequest struct {
	CaseRef     string `json:"case_ref"`
	Content     []byte `json:"content"` // base64 in JSON, raw bytes in CBOR
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	Description string `json:"description"`
	UploadedBy  string `json:"uploaded_by"`
}

type evidenceResponse struct {
	EvidenceRef       string     `json:"evidence_ref"`
	CaseRef           string     `json:"case_ref"`
	FileName          string     `json:"file_name,omitempty"`
	MimeType          string     `json:"mime_type,omitempty"`
	Description       string     `json:"description,omitempty"`
	SizeBytes         int        `json:"size_bytes"`
	Fingerprint       string     `json:"fingerprint"`
	LedgerTx          string     `json:"ledger_tx,omitempty"`
	AnchoredAt        *time.Time `json:"anchored_at,omitempty"`
	VerificationState string     `json:"verification_state"`
	LastVerifiedAt    *time.Time `json:"last_verified_at,omitempty"`
	UploadedBy        string     `json:"uploaded_by"`
	UploadedAt        time.Time  `json:"uploaded_at"`
	AnchorPending     bool       `json:"anchor_pending,omitempty"`
	Warning           string     `json:"warning,omitempty"`
}

type verifyResponse struct {
	EvidenceRef        string     `json:"evidence_ref"`
	StoredFingerprint  string     `json:"stored_fingerprint"`
	CurrentFingerprint string     `json:"current_fingerprint"`
	HashesMatch        bool       `json:"hashes_match"`
	LedgerConfirmed    *bool      `json:"ledger_confirmed"` // null when not consulted
	Verdict            string     `json:"verdict"`
	Reason             string     `json:"reason"`
	VerifiedAt         time.Time  `json:"verified_at"`
}

// caseSummary is a case plus aggregate evidence counts for list views.
type caseSummary struct {
	Case
	EvidenceTotal    int `json:"evidence_total"`
	EvidenceVerified int `json:"evidence_verified"`
	EvidenceTampered int `json:"evidence_tampered"`
}

// toEvidenceResponse elides content bytes; downloads go through the
// dedicated content route.
func toEvidenceResponse(rec EvidenceRecord) evidenceResponse {
	resp := evidenceResponse{
		EvidenceRef:       rec.EvidenceRef,
		CaseRef:           rec.CaseRef,
		FileName:          rec.FileName,
		MimeType:          rec.MimeType,
		Description:       rec.Description,
		SizeBytes:         rec.SizeBytes,
		Fingerprint:       rec.ContentFingerprint.Hex(),
		VerificationState: string(rec.VerificationState),
		LastVerifiedAt:    rec.LastVerifiedAt,
		UploadedBy:        rec.UploadedBy,
		UploadedAt:        rec.UploadedAt,
	}
	if rec.LedgerReceipt != nil {
		resp.LedgerTx = rec.LedgerReceipt.TxID
		at := rec.LedgerReceipt.AnchoredAt
		resp.AnchoredAt = &at
	}
	return resp
}

func toVerifyResponse(res VerificationResult) verifyResponse {
	return verifyResponse{
		EvidenceRef:        res.EvidenceRef,
		StoredFingerprint:  res.StoredFingerprint,
		CurrentFingerprint: res.CurrentFingerprint,
		HashesMatch:        res.HashesMatch,
		LedgerConfirmed:    res.LedgerConfirmed,
		Verdict:            string(res.Verdict),
		Reason:             string(res.Reason),
		VerifiedAt:         res.VerifiedAt,
	}
}

// SetupRoutes configures the API routes on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/cases", s.handleCases)
	mux.HandleFunc("/api/v1/cases/", s.handleCase)
	mux.HandleFunc("/api/v1/evidence", s.handleCreateEvidence)
	mux.HandleFunc("/api/v1/evidence/", s.handleEvidence)
	mux.HandleFunc("/api/v1/auth/nonce/", s.handleNonce)
	mux.HandleFunc("/api/v1/auth/session", s.handleSession)
}

// handleCases handles POST (create) and GET (list) on /api/v1/cases.
func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req caseRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid case: "+err.Error())
			return
		}
		if req.CaseRef == "" || req.Title == "" {
			writeError(w, r, http.StatusBadRequest, "case_ref and title are required")
			return
		}
		c := Case{
			CaseRef:     req.CaseRef,
			Title:       req.Title,
			Description: req.Description,
			Status:      req.Status,
			OpenedAt:    time.Now().UTC(),
		}
		if err := s.cases.CreateCase(r.Context(), c); err != nil {
			if errors.Is(err, ErrDuplicateCase) {
				writeError(w, r, http.StatusConflict, err.Error())
				return
			}
			s.fail(w, r, "create case", err)
			return
		}
		if c.Status == "" {
			c.Status = CaseOpen
		}
		writeBody(w, r, http.StatusCreated, c)

	case http.MethodGet:
		cases, err := s.cases.ListCases(r.Context())
		if err != nil {
			s.fail(w, r, "list cases", err)
			return
		}
		summaries := make([]caseSummary, 0, len(cases))
		for _, c := range cases {
			recs, err := s.store.ListByCase(r.Context(), c.CaseRef)
			if err != nil {
				s.fail(w, r, "count case evidence", err)
				return
			}
			sum := caseSummary{Case: c, EvidenceTotal: len(recs)}
			for _, rec := range recs {
				switch rec.VerificationState {
				case StateVerified:
					sum.EvidenceVerified++
				case StateTampered:
					sum.EvidenceTampered++
				}
			}
			summaries = append(summaries, sum)
		}
		writeBody(w, r, http.StatusOK, summaries)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCase dispatches /api/v1/cases/{ref}[/evidence].
func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/cases/")
	if strings.HasSuffix(rest, "/evidence") {
		s.handleCaseEvidence(w, r, strings.TrimSuffix(rest, "/evidence"))
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, err := s.cases.GetCase(r.Context(), rest)
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		s.fail(w, r, "get case", err)
		return
	}
	writeBody(w, r, http.StatusOK, c)
}

// handleCaseEvidence handles GET /api/v1/cases/{ref}/evidence: the case's
// evidence metadata, content elided.
func (s *Server) handleCaseEvidence(w http.ResponseWriter, r *http.Request, caseRef string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.cases.GetCase(r.Context(), caseRef); err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		s.fail(w, r, "resolve case", err)
		return
	}
	recs, err := s.store.ListByCase(r.Context(), caseRef)
	if err != nil {
		s.fail(w, r, "list case evidence", err)
		return
	}
	out := make([]evidenceResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toEvidenceResponse(rec))
	}
	writeBody(w, r, http.StatusOK, out)
}

// handleCreateEvidence handles POST /api/v1/evidence.
func (s *Server) handleCreateEvidence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req evidenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid evidence request: "+err.Error())
		return
	}

	res, err := s.coord.CreateEvidence(r.Context(), CreateRequest{
		CaseRef:     req.CaseRef,
		Content:     req.Content,
		UploadedBy:  req.UploadedBy,
		FileName:    req.FileName,
		MimeType:    req.MimeType,
		Description: req.Description,
	})
	switch {
	case errors.Is(err, ErrCaseNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrContentTooLarge),
		errors.Is(err, ErrInvalidPrincipal):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrLedgerRejected):
		// The record survives a contract-level rejection; tell the caller
		// both facts.
		writeBody(w, r, http.StatusBadGateway, map[string]string{
			"error":        err.Error(),
			"evidence_ref": res.Record.EvidenceRef,
		})
	case err != nil:
		s.fail(w, r, "create evidence", err)
	default:
		resp := toEvidenceResponse(res.Record)
		resp.AnchorPending = res.AnchorPending
		resp.Warning = res.AnchorWarning
		writeBody(w, r, http.StatusCreated, resp)
	}
}

// handleEvidence dispatches /api/v1/evidence/{ref}[/content|/verify|/anchor].
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/evidence/")
	switch {
	case strings.HasSuffix(rest, "/content"):
		s.handleContent(w, r, strings.TrimSuffix(rest, "/content"))
	case strings.HasSuffix(rest, "/verify"):
		s.handleVerify(w, r, strings.TrimSuffix(rest, "/verify"))
	case strings.HasSuffix(rest, "/anchor"):
		s.handleReanchor(w, r, strings.TrimSuffix(rest, "/anchor"))
	default:
		s.handleGetEvidence(w, r, rest)
	}
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request, evidenceRef string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.store.Get(r.Context(), evidenceRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		s.fail(w, r, "get evidence", err)
		return
	}
	writeBody(w, r, http.StatusOK, toEvidenceResponse(rec))
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request, evidenceRef string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.store.Get(r.Context(), evidenceRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		s.fail(w, r, "get evidence content", err)
		return
	}
	mime := rec.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	name := rec.FileName
	if name == "" {
		name = rec.EvidenceRef
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(rec.Content)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, evidenceRef string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.verifier.Verify(r.Context(), evidenceRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		s.fail(w, r, "verify evidence", err)
		return
	}
	writeBody(w, r, http.StatusOK, toVerifyResponse(res))
}

func (s *Server) handleReanchor(w http.ResponseWriter, r *http.Request, evidenceRef string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.coord.Reanchor(r.Context(), evidenceRef)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrLedgerRejected):
		writeBody(w, r, http.StatusBadGateway, map[string]string{
			"error":        err.Error(),
			"evidence_ref": evidenceRef,
		})
	case err != nil:
		s.fail(w, r, "reanchor evidence", err)
	default:
		resp := toEvidenceResponse(res.Record)
		resp.AnchorPending = res.AnchorPending
		resp.Warning = res.AnchorWarning
		writeBody(w, r, http.StatusOK, resp)
	}
}

// handleNonce handles GET /api/v1/auth/nonce/{address}: issue a login
// challenge for a wallet address.
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	address := strings.TrimPrefix(r.URL.Path, "/api/v1/auth/nonce/")
	nonce, err := s.nonces.Issue(address)
	if err != nil {
		if errors.Is(err, ErrInvalidPrincipal) {
			writeError(w, r, http.StatusBadRequest, "invalid wallet address")
			return
		}
		s.fail(w, r, "issue nonce", err)
		return
	}
	writeBody(w, r, http.StatusOK, map[string]string{
		"nonce":   nonce,
		"message": ChallengeMessage(nonce),
	})
}

// handleSession handles POST /api/v1/auth/session: consume the nonce and
// delegate the signature check to the identity provider.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Address   string `json:"address"`
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid session request: "+err.Error())
		return
	}
	if !s.nonces.Consume(req.Address, req.Nonce) {
		writeError(w, r, http.StatusBadRequest, "nonce missing or expired; request a new one")
		return
	}
	if !s.identity.Verify(req.Address, ChallengeMessage(req.Nonce), req.Signature) {
		writeError(w, r, http.StatusUnauthorized, "signature verification failed")
		return
	}
	token, err := randomHex(32)
	if err != nil {
		s.fail(w, r, "issue session token", err)
		return
	}
	writeBody(w, r, http.StatusOK, map[string]any{
		"success":    true,
		"address":    req.Address,
		"auth_token": token,
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error(op, zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "server error")
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// ListenAndServe starts the API server over plain HTTP. Intended for
// development and for deployments behind a TLS-terminating proxy.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	server := &http.Server{Addr: addr, Handler: mux}
	return server.ListenAndServe()
}

// ListenAndServeTLS starts the API server over HTTPS.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	server := &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: s.tlsConfigWithDefaults(),
	}
	return server.ListenAndServeTLS(certFile, keyFile)
}
