package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultHTTPTimeout = 10 * time.Second

	// ClientAssertionLifetime bounds how long a signed assertion can be replayed.
	ClientAssertionLifetime = 300 * time.Second
)

type Client struct {
	h             *http.Client
	key           *KeyPair
	dpop          *DpopSigner
	clientId      string
	redirectUri   string
	allowInsecure bool
	logger        *slog.Logger
}

type ClientArgs struct {
	H           *http.Client
	Key         *KeyPair
	ClientId    string
	RedirectUri string
	// Dpop signs proofs. Defaults to a signer over Key.
	Dpop *DpopSigner
	// AllowInsecure permits plain http endpoints, for local development.
	AllowInsecure bool
	Logger        *slog.Logger
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.Key == nil {
		return nil, fmt.Errorf("no client key provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: DefaultHTTPTimeout,
		}
	}

	if args.Dpop == nil {
		args.Dpop = NewDpopSigner(args.Key, nil)
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Client{
		h:             args.H,
		key:           args.Key,
		dpop:          args.Dpop,
		clientId:      args.ClientId,
		redirectUri:   args.RedirectUri,
		allowInsecure: args.AllowInsecure,
		logger:        args.Logger.With("component", "oauth_client", "client_id", args.ClientId),
	}, nil
}

func (c *Client) ClientId() string { return c.clientId }

func (c *Client) Dpop() *DpopSigner { return c.dpop }

func (c *Client) HTTPClient() *http.Client { return c.h }

func (c *Client) FetchAuthServerMetadata(ctx context.Context, ustr string) (*OauthAuthorizationMetadata, error) {
	u, err := isSafeAndParsed(ustr, c.allowInsecure)
	if err != nil {
		return nil, err
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request to fetch auth metadata: %w", err)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "fetch auth metadata", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf(
			"received non-200 response from authserver. status code was %d",
			resp.StatusCode,
		)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read auth metadata", Err: err}
	}

	var metadata OauthAuthorizationMetadata
	if err := metadata.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("could not unmarshal metadata: %w", err)
	}

	if err := metadata.Validate(u, c.allowInsecure); err != nil {
		return nil, fmt.Errorf("could not validate metadata: %w", err)
	}

	return &metadata, nil
}

// ClientAssertionJwt signs a private_key_jwt assertion for audience. The
// server resolves the key through the kid header.
func (c *Client) ClientAssertionJwt(audience string) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss": c.clientId,
		"sub": c.clientId,
		"aud": audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(ClientAssertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.key.Kid

	tokenString, err := token.SignedString(c.key.PrivateKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

type ParRequestArgs struct {
	Scope         string
	State         string
	CodeChallenge string
	RedirectUri   string
	LoginHint     string
	ConsentId     string
}

func (c *Client) SendParAuthRequest(ctx context.Context, authServerMeta *OauthAuthorizationMetadata, args ParRequestArgs) (*SendParAuthResponse, error) {
	if authServerMeta == nil {
		return nil, fmt.Errorf("nil metadata provided")
	}

	parUrl := authServerMeta.PushedAuthorizationRequestEndpoint

	if _, err := isSafeAndParsed(parUrl, c.allowInsecure); err != nil {
		return nil, err
	}

	redirectUri := args.RedirectUri
	if redirectUri == "" {
		redirectUri = c.redirectUri
	}

	if redirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	params := func() (url.Values, error) {
		clientAssertion, err := c.ClientAssertionJwt(authServerMeta.Issuer)
		if err != nil {
			return nil, err
		}

		params := url.Values{
			"response_type":         {"code"},
			"code_challenge":        {args.CodeChallenge},
			"code_challenge_method": {CodeChallengeMethodS256},
			"client_id":             {c.clientId},
			"state":                 {args.State},
			"redirect_uri":          {redirectUri},
			"scope":                 {args.Scope},
			"client_assertion_type": {ClientAssertionTypeJwtBearer},
			"client_assertion":      {clientAssertion},
		}

		if args.LoginHint != "" {
			params.Set("login_hint", args.LoginHint)
		}

		if args.ConsentId != "" {
			params.Set("consent_id", args.ConsentId)
		}

		return params, nil
	}

	status, body, err := c.postDpopForm(ctx, parUrl, params)
	if err != nil {
		return nil, err
	}

	if status < 200 || status > 299 {
		return nil, &PushedAuthorizationError{StatusCode: status, Body: string(body)}
	}

	var parResp SendParAuthResponse
	if err := json.Unmarshal(body, &parResp); err != nil {
		return nil, fmt.Errorf("could not unmarshal par response: %w", err)
	}

	if !strings.HasPrefix(parResp.RequestUri, RequestUriPrefix) {
		return nil, fmt.Errorf("authserver returned an invalid request_uri %q", parResp.RequestUri)
	}

	return &parResp, nil
}

func (c *Client) InitialTokenRequest(
	ctx context.Context,
	authserverIss,
	code,
	pkceVerifier,
	redirectUri string,
) (*TokenResponse, error) {
	if redirectUri == "" {
		redirectUri = c.redirectUri
	}

	return c.tokenRequest(ctx, authserverIss, url.Values{
		"client_id":     {c.clientId},
		"redirect_uri":  {redirectUri},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {pkceVerifier},
	})
}

func (c *Client) RefreshTokenRequest(
	ctx context.Context,
	authserverIss,
	refreshToken string,
) (*TokenResponse, error) {
	return c.tokenRequest(ctx, authserverIss, url.Values{
		"client_id":     {c.clientId},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (c *Client) ClientCredentialsTokenRequest(
	ctx context.Context,
	authserverIss,
	scope string,
) (*TokenResponse, error) {
	return c.tokenRequest(ctx, authserverIss, url.Values{
		"client_id":  {c.clientId},
		"grant_type": {"client_credentials"},
		"scope":      {scope},
	})
}

func (c *Client) tokenRequest(ctx context.Context, authserverIss string, base url.Values) (*TokenResponse, error) {
	authserverMeta, err := c.FetchAuthServerMetadata(ctx, authserverIss)
	if err != nil {
		return nil, err
	}

	params := func() (url.Values, error) {
		clientAssertion, err := c.ClientAssertionJwt(authserverMeta.Issuer)
		if err != nil {
			return nil, err
		}

		params := url.Values{}
		for k, v := range base {
			params[k] = v
		}
		params.Set("client_assertion_type", ClientAssertionTypeJwtBearer)
		params.Set("client_assertion", clientAssertion)

		return params, nil
	}

	status, body, err := c.postDpopForm(ctx, authserverMeta.TokenEndpoint, params)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK && status != http.StatusCreated {
		var errResp OauthErrorResponse
		_ = json.Unmarshal(body, &errResp)
		if errResp.Error == "" {
			errResp.Error = "unknown_error"
		}
		return nil, &TokenRequestError{StatusCode: status, ErrorCode: errResp.Error, Description: errResp.ErrorDescription}
	}

	var tokenResponse TokenResponse
	if err := json.Unmarshal(body, &tokenResponse); err != nil {
		return nil, fmt.Errorf("could not unmarshal token response: %w", err)
	}

	if !strings.EqualFold(tokenResponse.TokenType, TokenTypeDpop) {
		return nil, fmt.Errorf("expected a DPoP bound token, got token_type %q", tokenResponse.TokenType)
	}

	return &tokenResponse, nil
}

// postDpopForm posts a form with a fresh DPoP proof. params is called once per
// attempt so that single use values such as client assertions are never sent
// twice. A use_dpop_nonce rejection is retried once with the new nonce.
func (c *Client) postDpopForm(ctx context.Context, endpoint string, params func() (url.Values, error)) (int, []byte, error) {
	// we may need to update the dpop nonce
	for attempt := range 2 {
		form, err := params()
		if err != nil {
			return 0, nil, err
		}

		dpopProof, err := c.dpop.CreateProof("POST", endpoint, c.dpop.Nonces().Get(endpoint))
		if err != nil {
			return 0, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return 0, nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(DpopHeader, dpopProof)

		resp, err := c.h.Do(req)
		if err != nil {
			return 0, nil, &NetworkError{Op: "POST " + endpoint, Err: err}
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, nil, &NetworkError{Op: "read response from " + endpoint, Err: err}
		}

		nonceChanged := c.dpop.Nonces().Observe(resp)

		if attempt == 0 && nonceChanged && isUseDpopNonce(resp.StatusCode, body) {
			c.logger.Debug("retrying with new dpop nonce", "endpoint", endpoint)
			continue
		}

		return resp.StatusCode, body, nil
	}

	return 0, nil, fmt.Errorf("authserver kept rejecting the dpop nonce")
}

func isUseDpopNonce(status int, body []byte) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return false
	}

	var errResp OauthErrorResponse
	if err := json.Unmarshal(bytes.TrimSpace(body), &errResp); err != nil {
		return false
	}

	return errResp.Error == "use_dpop_nonce"
}
