package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// Ledger gateway wire types. The gateway fronts the deployed contract's
// addEvidence / verifyEvidence surface so the core stays transport-agnostic.
type anchorRequest struct {
	CaseRef     string `json:"case_ref"`
	EvidenceRef string `json:"evidence_ref"`
	Fingerprint string `json:"fingerprint"`
}

type anchorResponse struct {
	TxID       string    `json:"tx_id"`
	AnchoredAt time.Time `json:"anchored_at"`
}

type membershipResponse struct {
	Anchored bool `json:"anchored"`
}

// HTTPLedger implements LedgerClient against a ledger gateway over
// HTTP/HTTPS. It performs no internal retries; timeouts and cancellation
// come from the caller's context.
type HTTPLedger struct {
	BaseURL string       // Base URL of the gateway (e.g. "https://ledger.example.com")
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)
	UseCBOR bool         // encode request bodies as CBOR instead of JSON
}

// NewHTTPLedger creates a ledger client for the given gateway base URL.
func NewHTTPLedger(baseURL string) *HTTPLedger {
	return &HTTPLedger{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}}
}

func (l *HTTPLedger) httpClient() *http.Client {
	if l.Client != nil {
		return l.Client
	}
	return http.DefaultClient
}

func (l *HTTPLedger) encode(v any) ([]byte, string, error) {
	if l.UseCBOR {
		b, err := cbor.Marshal(v)
		return b, contentTypeCBOR, err
	}
	b, err := json.Marshal(v)
	return b, contentTypeJSON, err
}

func decodeResponse(resp *http.Response, v any) error {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeCBOR) {
		return cbor.NewDecoder(resp.Body).Decode(v)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Submit posts the anchor and blocks until the gateway confirms inclusion.
// Network failures, timeouts, and gateway-side 5xx map to
// ErrLedgerUnavailable; 4xx means the contract refused the submission and
// maps to ErrLedgerRejected.
func (l *HTTPLedger) Submit(ctx context.Context, caseRef, evidenceRef string, fp Digest) (Receipt, error) {
	body, ctype, err := l.encode(anchorRequest{CaseRef: caseRef, EvidenceRef: evidenceRef, Fingerprint: fp.Hex()})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/api/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Accept", ctype)

	resp, err := l.httpClient().Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ar anchorResponse
		if err := decodeResponse(resp, &ar); err != nil {
			return Receipt{}, fmt.Errorf("%w: decode receipt: %v", ErrLedgerUnavailable, err)
		}
		return Receipt{TxID: ar.TxID, AnchoredAt: ar.AnchoredAt}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Receipt{}, fmt.Errorf("%w: gateway returned %d: %s", ErrLedgerRejected, resp.StatusCode, strings.TrimSpace(string(b)))
	default:
		return Receipt{}, fmt.Errorf("%w: gateway returned %d", ErrLedgerUnavailable, resp.StatusCode)
	}
}

// IsAnchored queries ledger membership for (evidenceRef, fp). A 404 from
// the gateway means "reachable but not found" and is a plain false.
func (l *HTTPLedger) IsAnchored(ctx context.Context, evidenceRef string, fp Digest) (bool, error) {
	u := fmt.Sprintf("%s/api/v1/anchors/%s?fingerprint=%s", l.BaseURL, url.PathEscape(evidenceRef), fp.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	if l.UseCBOR {
		req.Header.Set("Accept", contentTypeCBOR)
	}

	resp, err := l.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var mr membershipResponse
		if err := decodeResponse(resp, &mr); err != nil {
			return false, fmt.Errorf("%w: decode membership: %v", ErrLedgerUnavailable, err)
		}
		return mr.Anchored, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: gateway returned %d", ErrLedgerUnavailable, resp.StatusCode)
	}
}

// LedgerGateway exposes the contract surface over HTTP for a backing
// LedgerClient, giving HTTPLedger an in-repo peer for co-located and test
// deployments. Submissions pass through unchanged; the gateway adds no
// retry or queueing semantics of its own.
type LedgerGateway struct {
	ledger LedgerClient
	log    *zap.Logger
}

// NewLedgerGateway fronts ledger with the HTTP anchor API.
func NewLedgerGateway(ledger LedgerClient, log *zap.Logger) *LedgerGateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerGateway{ledger: ledger, log: log}
}

// SetupRoutes configures the gateway's HTTP routes.
func (g *LedgerGateway) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/anchors", g.handleSubmit)
	mux.HandleFunc("/api/v1/anchors/", g.handleMembership)
}

func (g *LedgerGateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req anchorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid anchor request: "+err.Error())
		return
	}
	fp, err := ParseDigest(req.Fingerprint)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid fingerprint: "+err.Error())
		return
	}

	receipt, err := g.ledger.Submit(r.Context(), req.CaseRef, req.EvidenceRef, fp)
	switch {
	case errors.Is(err, ErrLedgerRejected):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrLedgerUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		g.log.Error("anchor submission failed", zap.String("evidence_ref", req.EvidenceRef), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "anchor submission failed")
	default:
		writeBody(w, r, http.StatusCreated, anchorResponse{TxID: receipt.TxID, AnchoredAt: receipt.AnchoredAt})
	}
}

func (g *LedgerGateway) handleMembership(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	evidenceRef := strings.TrimPrefix(r.URL.Path, "/api/v1/anchors/")
	if evidenceRef == "" {
		writeError(w, r, http.StatusBadRequest, "missing evidence ref")
		return
	}
	fp, err := ParseDigest(r.URL.Query().Get("fingerprint"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid fingerprint: "+err.Error())
		return
	}

	anchored, err := g.ledger.IsAnchored(r.Context(), evidenceRef, fp)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeBody(w, r, http.StatusOK, membershipResponse{Anchored: anchored})
}
