package custody

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Principals are wallet addresses as issued by the identity provider:
// 0x followed by 40 hex chars. The core treats them as opaque, validated
// credentials and performs no further cryptographic checks.
var principalPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidPrincipal reports whether addr has the expected wallet-address form.
func ValidPrincipal(addr string) bool {
	return principalPattern.MatchString(addr)
}

// ChallengeMessage is the exact text a wallet signs during login. Existing
// clients reproduce it verbatim, so the wording is frozen.
func ChallengeMessage(nonce string) string {
	return "Sign this message to authenticate with Evidence Integrity System: " + nonce
}

// NonceStore issues single-use login challenge nonces with a bounded
// lifetime. Expiry and capacity are handled by the underlying LRU rather
// than a process-global map, so unconsumed nonces cannot accumulate.
type NonceStore struct {
	cache *expirable.LRU[string, string]
}

// Nonce store defaults.
const (
	DefaultNonceCapacity = 1024
	DefaultNonceTTL      = 5 * time.Minute
)

// NewNonceStore creates a nonce store. Zero values select the defaults.
func NewNonceStore(capacity int, ttl time.Duration) *NonceStore {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceStore{cache: expirable.NewLRU[string, string](capacity, nil, ttl)}
}

// Issue creates a fresh nonce for address, replacing any outstanding one.
func (s *NonceStore) Issue(address string) (string, error) {
	if !ValidPrincipal(address) {
		return "", ErrInvalidPrincipal
	}
	nonce, err := randomHex(32)
	if err != nil {
		return "", err
	}
	s.cache.Add(strings.ToLower(address), nonce)
	return nonce, nil
}

// Consume checks the nonce for address and deletes it on success so a
// captured challenge cannot be replayed.
func (s *NonceStore) Consume(address, nonce string) bool {
	key := strings.ToLower(address)
	stored, ok := s.cache.Get(key)
	if !ok || nonce == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(nonce)) != 1 {
		return false
	}
	s.cache.Remove(key)
	return true
}

// IdentityProvider is the authentication boundary: it attests that signature
// proves control of address for the given challenge text. Signature
// recovery itself happens behind this interface.
type IdentityProvider interface {
	Verify(address, challenge, signature string) bool
}

// StaticIdentityProvider admits a fixed allowlist of administrator addresses
// and accepts any non-empty signature. Intended for tests and for
// deployments fronted by an external signature-verifying proxy. An empty
// allowlist admits every well-formed address.
type StaticIdentityProvider struct {
	allowed map[string]struct{}
}

// NewStaticIdentityProvider builds a provider admitting the given addresses.
func NewStaticIdentityProvider(addresses ...string) *StaticIdentityProvider {
	p := &StaticIdentityProvider{allowed: make(map[string]struct{}, len(addresses))}
	for _, a := range addresses {
		p.allowed[strings.ToLower(a)] = struct{}{}
	}
	return p
}

// Verify implements IdentityProvider.
func (p *StaticIdentityProvider) Verify(address, _, signature string) bool {
	if signature == "" || !ValidPrincipal(address) {
		return false
	}
	if len(p.allowed) == 0 {
		return true
	}
	_, ok := p.allowed[strings.ToLower(address)]
	return ok
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
