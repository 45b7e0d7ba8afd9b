package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

// fakeAuthServer is a minimal FAPI authorization server for client tests.
type fakeAuthServer struct {
	t   *testing.T
	srv *httptest.Server
	key *KeyPair

	mu            sync.Mutex
	requireNonce  string
	parStatus     int
	parBody       string
	tokenType     string
	tokenStatus   int
	tokenBody     string
	parForms      []url.Values
	parProofs     []jwt.MapClaims
	tokenForms    []url.Values
	lastChallenge string
	refreshCount  int
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()

	key, err := GenerateKey()
	require.NoError(t, err)

	f := &fakeAuthServer{t: t, key: key, tokenType: TokenTypeDpop}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", f.handleMetadata)
	mux.HandleFunc("POST /par", f.handlePar)
	mux.HandleFunc("POST /token", f.handleToken)

	f.srv = httptest.NewUnstartedServer(mux)
	f.srv.Start()
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeAuthServer) URL() string { return f.srv.URL }

func (f *fakeAuthServer) metadata() OauthAuthorizationMetadata {
	return OauthAuthorizationMetadata{
		Issuer:                                     f.srv.URL,
		ResponseTypesSupported:                     []string{"code"},
		GrantTypesSupported:                        []string{"authorization_code", "refresh_token", "client_credentials"},
		CodeChallengeMethodsSupported:              []string{"S256"},
		TokenEndpointAuthMethodsSupported:          []string{"private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256"},
		AuthorizationEndpoint:                      f.srv.URL + "/auth",
		TokenEndpoint:                              f.srv.URL + "/token",
		PushedAuthorizationRequestEndpoint:         f.srv.URL + "/par",
		RequirePushedAuthorizationRequests:         true,
		DpopSigningAlgValuesSupported:              []string{"ES256"},
		AuthorizationResponseISSParameterSupported: true,
	}
}

func (f *fakeAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, f.metadata())
}

func (f *fakeAuthServer) checkNonce(w http.ResponseWriter, r *http.Request) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(r.Header.Get(DpopHeader), claims)
	require.NoError(f.t, err)

	f.mu.Lock()
	required := f.requireNonce
	f.mu.Unlock()

	if required != "" && claims["nonce"] != required {
		w.Header().Set(DpopNonceHeader, required)
		writeJSON(w, http.StatusBadRequest, OauthErrorResponse{Error: "use_dpop_nonce"})
		return claims, false
	}

	return claims, true
}

func (f *fakeAuthServer) handlePar(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseForm())

	claims, ok := f.checkNonce(w, r)

	f.mu.Lock()
	f.parForms = append(f.parForms, r.PostForm)
	f.parProofs = append(f.parProofs, claims)
	f.lastChallenge = r.PostForm.Get("code_challenge")
	status, body := f.parStatus, f.parBody
	f.mu.Unlock()

	if !ok {
		return
	}

	if status != 0 {
		w.WriteHeader(status)
		w.Write([]byte(body))
		return
	}

	writeJSON(w, http.StatusCreated, SendParAuthResponse{RequestUri: RequestUriPrefix + "abc123", ExpiresIn: 60})
}

func (f *fakeAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseForm())

	if _, ok := f.checkNonce(w, r); !ok {
		return
	}

	f.mu.Lock()
	f.tokenForms = append(f.tokenForms, r.PostForm)
	status, body, tokenType, challenge := f.tokenStatus, f.tokenBody, f.tokenType, f.lastChallenge
	if r.PostForm.Get("grant_type") == "refresh_token" {
		f.refreshCount++
	}
	refreshCount := f.refreshCount
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		w.Write([]byte(body))
		return
	}

	if r.PostForm.Get("grant_type") == "authorization_code" &&
		helpers.GenerateCodeChallenge(r.PostForm.Get("code_verifier")) != challenge {
		writeJSON(w, http.StatusBadRequest, OauthErrorResponse{Error: "invalid_grant", ErrorDescription: "pkce mismatch"})
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  f.accessToken("user-1", time.Now().Add(10*time.Minute)),
		TokenType:    tokenType,
		ExpiresIn:    600,
		RefreshToken: "refresh-" + string(rune('a'+refreshCount)),
		Sub:          "user-1",
	})
}

func (f *fakeAuthServer) accessToken(sub string, exp time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": f.srv.URL,
		"sub": sub,
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
	})

	s, err := token.SignedString(f.key.PrivateKey)
	require.NoError(f.t, err)

	return s
}

func (f *fakeAuthServer) setRequireNonce(n string) {
	f.mu.Lock()
	f.requireNonce = n
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()

	key, err := GenerateKey()
	require.NoError(t, err)

	c, err := NewClient(ClientArgs{
		Key:           key,
		ClientId:      "tpp",
		RedirectUri:   "http://localhost:8080/callback",
		AllowInsecure: true,
	})
	require.NoError(t, err)

	return c
}

// configure mutates the server's behaviour under its lock.
func (f *fakeAuthServer) configure(fn func(f *fakeAuthServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAuthServer) recorded() (parForms []url.Values, parProofs []jwt.MapClaims, tokenForms []url.Values) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.parForms...),
		append([]jwt.MapClaims(nil), f.parProofs...),
		append([]url.Values(nil), f.tokenForms...)
}
