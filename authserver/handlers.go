package authserver

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/dpop"
	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"github.com/labstack/echo/v4"
)

func (s *Server) oauthError(e echo.Context, status int, code, description string) error {
	return e.JSON(status, oauth.OauthErrorResponse{Error: code, ErrorDescription: description})
}

// proofError answers a rejected DPoP proof, handing out a fresh nonce when
// that is what the client was missing.
func (s *Server) proofError(e echo.Context, err error) error {
	code := dpop.ErrorCode(err)

	if code == "use_dpop_nonce" && s.nonces != nil {
		nonce, nerr := s.nonces.Issue()
		if nerr != nil {
			return nerr
		}
		e.Response().Header().Set(oauth.DpopNonceHeader, nonce)
		return s.oauthError(e, http.StatusBadRequest, code, "Authorization server requires nonce in DPoP proof")
	}

	return s.oauthError(e, http.StatusBadRequest, "invalid_dpop_proof", err.Error())
}

// authenticateClient resolves the client and checks its assertion.
func (s *Server) authenticateClient(e echo.Context) (*registeredClient, error) {
	client, ok := s.clients.lookup(e.FormValue("client_id"))
	if !ok {
		return nil, errInvalidClient
	}

	if err := s.assertions.verify(
		e.Request().Context(),
		client,
		e.FormValue("client_assertion_type"),
		e.FormValue("client_assertion"),
	); err != nil {
		return nil, err
	}

	return client, nil
}

func (s *Server) handleDiscovery(e echo.Context) error {
	return e.JSON(http.StatusOK, s.metadata())
}

func (s *Server) handleJwks(e echo.Context) error {
	jwks, err := oauth.CreateJwksResponseObject(s.cfg.Key)
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, jwks)
}

func (s *Server) handlePar(e echo.Context) error {
	client, err := s.authenticateClient(e)
	if err != nil {
		s.logger.Info("rejected pushed authorization request", "client_id", e.FormValue("client_id"), "err", err)
		return s.oauthError(e, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	}

	var jkt string
	if proof := e.Request().Header.Get(oauth.DpopHeader); proof != "" || s.nonces != nil {
		res, err := s.proofs.Verify(proof, http.MethodPost, s.cfg.Issuer+"/par", dpop.VerifyOptions{})
		if err != nil {
			return s.proofError(e, err)
		}
		jkt = res.Jkt
	}

	if requested := e.FormValue("dpop_jkt"); requested != "" {
		if jkt != "" && requested != jkt {
			return s.oauthError(e, http.StatusBadRequest, "invalid_request", "dpop_jkt does not match the DPoP proof")
		}
		jkt = requested
	}

	if e.FormValue("request") != "" {
		return s.oauthError(e, http.StatusBadRequest, "invalid_request", "request objects are not supported")
	}

	if e.FormValue("response_type") != "code" {
		return s.oauthError(e, http.StatusBadRequest, "unsupported_response_type", "response_type must be code")
	}

	redirectUri := e.FormValue("redirect_uri")
	if !client.allowsRedirect(redirectUri) {
		return s.oauthError(e, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered")
	}

	if e.FormValue("code_challenge") == "" || e.FormValue("code_challenge_method") != oauth.CodeChallengeMethodS256 {
		return s.oauthError(e, http.StatusBadRequest, "invalid_request", "S256 code_challenge is required")
	}

	scope := e.FormValue("scope")
	if !s.supportsScope(scope) || !client.allowsScope(scope) {
		return s.oauthError(e, http.StatusBadRequest, "invalid_scope", "scope is not allowed")
	}

	req := &PushedRequest{
		ClientId:            client.ID,
		RedirectUri:         redirectUri,
		Scope:               scope,
		State:               e.FormValue("state"),
		CodeChallenge:       e.FormValue("code_challenge"),
		CodeChallengeMethod: oauth.CodeChallengeMethodS256,
		LoginHint:           e.FormValue("login_hint"),
		ConsentId:           e.FormValue("consent_id"),
		DpopJkt:             jkt,
		CreatedAt:           s.cfg.Now().UTC(),
	}

	uri, err := s.cfg.Requests.Put(e.Request().Context(), req, s.cfg.RequestLifetime)
	if err != nil {
		s.logger.Error("could not store pushed request", "err", err)
		return s.oauthError(e, http.StatusInternalServerError, "server_error", "")
	}

	return e.JSON(http.StatusCreated, oauth.SendParAuthResponse{
		RequestUri: uri,
		ExpiresIn:  int64(s.cfg.RequestLifetime / time.Second),
	})
}

func (s *Server) supportsScope(scope string) bool {
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(s.cfg.Scopes, sc) {
			return false
		}
	}
	return true
}

// handleAuth redeems a pushed request. The resource owner is simulated and
// always approves; a consent named in the request is authorised with the bank
// before the code is issued.
func (s *Server) handleAuth(e echo.Context) error {
	ctx := e.Request().Context()

	req, err := s.cfg.Requests.Take(ctx, e.QueryParam("request_uri"))
	if err != nil {
		if !errors.Is(err, ErrRequestNotFound) {
			s.logger.Error("could not load pushed request", "err", err)
		}
		return s.oauthError(e, http.StatusBadRequest, "invalid_request_uri", "")
	}

	if req.ClientId != e.QueryParam("client_id") {
		return s.oauthError(e, http.StatusBadRequest, "invalid_request", "client_id does not match the pushed request")
	}

	if req.ConsentId != "" && s.cfg.Consents != nil {
		if err := s.cfg.Consents.Authorize(ctx, req.ClientId, req.ConsentId); err != nil {
			s.logger.Warn("consent authorisation failed", "client_id", req.ClientId, "consent_id", req.ConsentId, "err", err)
			return s.redirect(e, req.RedirectUri, url.Values{
				"error":             {"access_denied"},
				"error_description": {"consent could not be authorised"},
				"state":             {req.State},
			})
		}
	}

	subject := req.LoginHint
	if subject == "" {
		subject = "psu-" + req.ClientId
	}

	code, err := helpers.GenerateUrlSafeToken(32)
	if err != nil {
		return err
	}

	s.codes.Put(code, &grant{
		ClientId:      req.ClientId,
		Subject:       subject,
		Scope:         req.Scope,
		ConsentId:     req.ConsentId,
		DpopJkt:       req.DpopJkt,
		RedirectUri:   req.RedirectUri,
		CodeChallenge: req.CodeChallenge,
	}, s.cfg.CodeLifetime)

	return s.redirect(e, req.RedirectUri, url.Values{
		"code":  {code},
		"state": {req.State},
	})
}

func (s *Server) redirect(e echo.Context, redirectUri string, params url.Values) error {
	u, err := url.Parse(redirectUri)
	if err != nil {
		return err
	}

	params.Set("iss", s.cfg.Issuer)

	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	return e.Redirect(http.StatusFound, u.String())
}

func (s *Server) handleToken(e echo.Context) error {
	e.Response().Header().Set("Cache-Control", "no-store")

	client, err := s.authenticateClient(e)
	if err != nil {
		s.logger.Info("rejected token request", "client_id", e.FormValue("client_id"), "err", err)
		return s.oauthError(e, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	}

	proof, err := s.proofs.Verify(e.Request().Header.Get(oauth.DpopHeader), http.MethodPost, s.cfg.Issuer+"/token", dpop.VerifyOptions{})
	if err != nil {
		return s.proofError(e, err)
	}

	grantType := e.FormValue("grant_type")

	var (
		g            *grant
		withRefresh  bool
		errCode, msg string
	)

	switch grantType {
	case "authorization_code":
		g, errCode, msg = s.redeemCode(e, client, proof.Jkt)
		withRefresh = true
	case "refresh_token":
		g, errCode, msg = s.redeemRefresh(e, client, proof.Jkt)
		withRefresh = true
	case "client_credentials":
		scope := e.FormValue("scope")
		if !s.supportsScope(scope) || !client.allowsScope(scope) {
			return s.oauthError(e, http.StatusBadRequest, "invalid_scope", "scope is not allowed")
		}
		g = &grant{ClientId: client.ID, Subject: client.ID, Scope: scope, DpopJkt: proof.Jkt}
	default:
		return s.oauthError(e, http.StatusBadRequest, "unsupported_grant_type", "")
	}

	if errCode != "" {
		return s.oauthError(e, http.StatusBadRequest, errCode, msg)
	}

	accessToken, err := s.tokens.mint(g)
	if err != nil {
		s.logger.Error("could not sign access token", "err", err)
		return s.oauthError(e, http.StatusInternalServerError, "server_error", "")
	}

	resp := oauth.TokenResponse{
		AccessToken: accessToken,
		TokenType:   oauth.TokenTypeDpop,
		ExpiresIn:   int64(s.cfg.AccessTokenLifetime / time.Second),
		Scope:       g.Scope,
		Sub:         g.Subject,
		ConsentId:   g.ConsentId,
	}

	if withRefresh {
		rt, err := helpers.GenerateUrlSafeToken(32)
		if err != nil {
			return err
		}
		s.refreshes.Put(rt, g, s.cfg.RefreshTokenLifetime)
		resp.RefreshToken = rt
	}

	s.issued.WithLabelValues(grantType).Inc()

	return e.JSON(http.StatusOK, resp)
}

func (s *Server) redeemCode(e echo.Context, client *registeredClient, jkt string) (*grant, string, string) {
	g, ok := s.codes.Take(e.FormValue("code"))
	if !ok {
		return nil, "invalid_grant", "authorization code is invalid, expired or already used"
	}

	if g.ClientId != client.ID {
		return nil, "invalid_grant", "authorization code was issued to another client"
	}

	if g.RedirectUri != e.FormValue("redirect_uri") {
		return nil, "invalid_grant", "redirect_uri does not match the authorization request"
	}

	if !helpers.ConstantTimeEqual(helpers.GenerateCodeChallenge(e.FormValue("code_verifier")), g.CodeChallenge) {
		return nil, "invalid_grant", "code_verifier does not match the code_challenge"
	}

	if g.DpopJkt != "" && g.DpopJkt != jkt {
		return nil, "invalid_dpop_proof", "DPoP key does not match the one used at PAR"
	}

	bound := *g
	bound.DpopJkt = jkt
	bound.RedirectUri = ""
	bound.CodeChallenge = ""

	return &bound, "", ""
}

func (s *Server) redeemRefresh(e echo.Context, client *registeredClient, jkt string) (*grant, string, string) {
	g, ok := s.refreshes.Take(e.FormValue("refresh_token"))
	if !ok {
		return nil, "invalid_grant", "refresh token is invalid, expired or already used"
	}

	if g.ClientId != client.ID {
		return nil, "invalid_grant", "refresh token was issued to another client"
	}

	if g.DpopJkt != jkt {
		return nil, "invalid_dpop_proof", "DPoP key does not match the refresh token binding"
	}

	return g, "", ""
}
