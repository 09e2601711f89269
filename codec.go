package custody

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Wire bodies are JSON by default; clients may negotiate CBOR for binary
// payloads (evidence bytes avoid the base64 detour).
const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"
)

// isCBOR reports whether the request body is CBOR-encoded.
func isCBOR(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), contentTypeCBOR)
}

// wantsCBOR reports whether the response should be CBOR-encoded: either the
// client asked for it explicitly, or it sent CBOR and stated no preference.
func wantsCBOR(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), contentTypeCBOR) {
		return true
	}
	return isCBOR(r) && r.Header.Get("Accept") == ""
}

// decodeBody decodes the request body by Content-Type.
func decodeBody(r *http.Request, v any) error {
	if isCBOR(r) {
		return cbor.NewDecoder(r.Body).Decode(v)
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// writeBody encodes v in the client's preferred format.
func writeBody(w http.ResponseWriter, r *http.Request, status int, v any) {
	if wantsCBOR(r) {
		w.Header().Set("Content-Type", contentTypeCBOR)
		w.WriteHeader(status)
		_ = cbor.NewEncoder(w).Encode(v)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends a uniform error body.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeBody(w, r, status, map[string]string{"error": msg})
}
