package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"github.com/lestrrat-go/jwx/v2/jwk"
	gocache "github.com/patrickmn/go-cache"
)

const (
	TypeDpop = "dpop+jwt"

	// maxProofSize rejects oversized proofs before any parsing happens.
	maxProofSize = 8 * 1024
)

type Claims struct {
	jwt.RegisteredClaims
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	Nonce string `json:"nonce,omitempty"`
	ATH   string `json:"ath,omitempty"`
}

type Config struct {
	// MaxAge is how far in the past iat may be. Default 60s.
	MaxAge time.Duration
	// ClockSkew is how far in the future iat may be. Default 5s.
	ClockSkew time.Duration
	// Nonces, when set, requires every proof to carry a nonce it issued.
	Nonces *NonceSource
	Now    func() time.Time
}

type Verifier struct {
	cfg    Config
	replay *gocache.Cache
}

func NewVerifier(cfg Config) *Verifier {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 60 * time.Second
	}

	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 5 * time.Second
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	window := cfg.MaxAge + cfg.ClockSkew

	return &Verifier{
		cfg:    cfg,
		replay: gocache.New(window, window),
	}
}

type VerifyOptions struct {
	// AccessToken, if set, must hash to the proof's ath claim.
	AccessToken string
	// Jkt, if set, must equal the thumbprint of the proof key.
	Jkt string
}

type Result struct {
	Claims    *Claims
	PublicKey *ecdsa.PublicKey
	Jkt       string
}

// Verify checks proof against the request's method and htu. A proof that
// passes is remembered and will be rejected as a replay if presented again.
func (v *Verifier) Verify(proof, method, htu string, opts VerifyOptions) (*Result, error) {
	if proof == "" {
		return nil, ErrMissingProof
	}

	if len(proof) > maxProofSize {
		return nil, fmt.Errorf("%w: proof exceeds maximum size", ErrInvalidProof)
	}

	var (
		pubKey *ecdsa.PublicKey
		jkt    string
	)

	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())

	_, err := parser.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != TypeDpop {
			return nil, fmt.Errorf("typ must be %q", TypeDpop)
		}

		rawJwk, ok := t.Header["jwk"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("jwk header is required")
		}

		if _, ok := rawJwk["d"]; ok {
			return nil, fmt.Errorf("jwk header must not contain a private key")
		}

		b, err := json.Marshal(rawJwk)
		if err != nil {
			return nil, err
		}

		key, err := jwk.ParseKey(b)
		if err != nil {
			return nil, fmt.Errorf("could not parse jwk header: %w", err)
		}

		var raw ecdsa.PublicKey
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("jwk header is not an ec public key: %w", err)
		}

		tp, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, err
		}

		pubKey = &raw
		jkt = base64.RawURLEncoding.EncodeToString(tp)

		return pubKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	if claims.ID == "" || claims.HTM == "" || claims.HTU == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: jti, htm, htu and iat are required", ErrInvalidProof)
	}

	if claims.HTM != method {
		return nil, fmt.Errorf("%w: htm %q does not match %q", ErrInvalidProof, claims.HTM, method)
	}

	proofHtu, err := NormalizeURI(claims.HTU)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid htu", ErrInvalidProof)
	}

	requestHtu, err := NormalizeURI(htu)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request uri", ErrInvalidProof)
	}

	if proofHtu != requestHtu {
		return nil, fmt.Errorf("%w: htu %q does not match %q", ErrInvalidProof, proofHtu, requestHtu)
	}

	now := v.cfg.Now()
	iat := claims.IssuedAt.Time

	if now.Sub(iat) > v.cfg.MaxAge {
		return nil, fmt.Errorf("%w: proof is too old", ErrInvalidProof)
	}

	if iat.Sub(now) > v.cfg.ClockSkew {
		return nil, fmt.Errorf("%w: proof is issued in the future", ErrInvalidProof)
	}

	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: proof has expired", ErrInvalidProof)
	}

	if opts.AccessToken != "" && !helpers.ConstantTimeEqual(claims.ATH, helpers.AccessTokenHash(opts.AccessToken)) {
		return nil, fmt.Errorf("%w: ath does not match the access token", ErrInvalidProof)
	}

	if opts.Jkt != "" && opts.Jkt != jkt {
		return nil, ErrKeyMismatch
	}

	if v.cfg.Nonces != nil && !v.cfg.Nonces.Valid(claims.Nonce) {
		return nil, ErrUseNonce
	}

	// replay check comes last so a rejected proof does not burn its jti
	if err := v.replay.Add(jkt+":"+claims.ID, struct{}{}, gocache.DefaultExpiration); err != nil {
		return nil, ErrReplay
	}

	return &Result{
		Claims:    claims,
		PublicKey: pubKey,
		Jkt:       jkt,
	}, nil
}

// NormalizeURI lowercases scheme and host, drops default ports, and strips
// the query and fragment, per RFC 9449 section 4.3.
func NormalizeURI(rawURI string) (string, error) {
	if rawURI == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("url must have scheme and host")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())

	if port := parsed.Port(); port != "" {
		isDefaultPort := (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
		if !isDefaultPort {
			host = host + ":" + port
		}
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path, nil
}

// RequestHtu reconstructs the url a client addressed. If publicBase is set it
// replaces the scheme and host seen by this process (e.g. behind a proxy).
func RequestHtu(r *http.Request, publicBase string) string {
	if publicBase != "" {
		return strings.TrimSuffix(publicBase, "/") + r.URL.Path
	}

	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}

	host := r.URL.Host
	if host == "" {
		host = r.Host
	}

	return scheme + "://" + host + r.URL.Path
}
