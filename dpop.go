package oauth

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
)

const (
	DpopHeader      = "DPoP"
	DpopNonceHeader = "DPoP-Nonce"

	// DpopProofLifetime is the exp - iat of every proof we mint.
	DpopProofLifetime = 60 * time.Second
)

// ProofSigner mints a DPoP proof bound to one HTTP method and url.
type ProofSigner interface {
	CreateProof(method, url, nonce string) (string, error)
}

// NonceStore remembers the last DPoP-Nonce handed out by each origin.
type NonceStore struct {
	mu     sync.RWMutex
	nonces map[string]string
}

func NewNonceStore() *NonceStore {
	return &NonceStore{nonces: map[string]string{}}
}

func (n *NonceStore) Get(ustr string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nonces[origin(ustr)]
}

func (n *NonceStore) Set(ustr, nonce string) {
	if nonce == "" {
		return
	}

	n.mu.Lock()
	n.nonces[origin(ustr)] = nonce
	n.mu.Unlock()
}

// Observe records the nonce of a response, if it carried one. It reports
// whether the stored nonce changed.
func (n *NonceStore) Observe(resp *http.Response) bool {
	if resp == nil || resp.Request == nil {
		return false
	}

	nonce := resp.Header.Get(DpopNonceHeader)
	if nonce == "" {
		return false
	}

	ustr := resp.Request.URL.String()
	changed := n.Get(ustr) != nonce
	n.Set(ustr, nonce)

	return changed
}

// DpopSigner creates proofs with a single key pair.
type DpopSigner struct {
	key    *KeyPair
	nonces *NonceStore
	now    func() time.Time
}

func NewDpopSigner(key *KeyPair, nonces *NonceStore) *DpopSigner {
	if nonces == nil {
		nonces = NewNonceStore()
	}

	return &DpopSigner{
		key:    key,
		nonces: nonces,
		now:    time.Now,
	}
}

func (s *DpopSigner) Nonces() *NonceStore { return s.nonces }

func (s *DpopSigner) Jkt() string { return s.key.Jkt }

func (s *DpopSigner) CreateProof(method, ustr, nonce string) (string, error) {
	return s.createProof(method, ustr, nonce, "")
}

// ProofForRequest sets the DPoP header of req, using the nonce remembered for
// the request's origin. When accessToken is set the proof carries its hash.
func (s *DpopSigner) ProofForRequest(req *http.Request, accessToken string) error {
	ustr := req.URL.String()

	proof, err := s.createProof(req.Method, ustr, s.nonces.Get(ustr), accessToken)
	if err != nil {
		return err
	}

	req.Header.Set(DpopHeader, proof)
	return nil
}

func (s *DpopSigner) createProof(method, ustr, nonce, accessToken string) (string, error) {
	htu, err := proofHtu(ustr)
	if err != nil {
		return "", &ProofGenerationError{Err: err}
	}

	pubMap, err := s.key.publicJwkMap()
	if err != nil {
		return "", &ProofGenerationError{Err: err}
	}

	now := s.now().Unix()

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": htu,
		"iat": now,
		"exp": now + int64(DpopProofLifetime.Seconds()),
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	if accessToken != "" {
		claims["ath"] = helpers.AccessTokenHash(accessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = pubMap

	tokenString, err := token.SignedString(s.key.PrivateKey)
	if err != nil {
		return "", &ProofGenerationError{Err: fmt.Errorf("failed to sign token: %w", err)}
	}

	return tokenString, nil
}

// proofHtu is the request url exactly as the caller passed it. Servers
// normalise before comparing, so the query is left in.
func proofHtu(ustr string) (string, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url must be absolute: %q", ustr)
	}

	return ustr, nil
}

var _ ProofSigner = (*DpopSigner)(nil)
