package main

import (
	"errors"
	"net/http"
	"net/url"

	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/websession"
	"github.com/labstack/echo/v4"
)

func (s *DemoServer) handleLoginSubmit(e echo.Context) error {
	ctx := e.Request().Context()

	sess, err := s.sessions.Begin(e)
	if err != nil {
		return err
	}

	authUrl, err := s.initiator.Start(ctx, sess, oauth.StartArgs{
		Scope:     loginScope,
		LoginHint: e.QueryParam("login_hint"),
	})
	if err != nil {
		s.logger.Error("could not start authorization", "err", err)
		return demoError(e, http.StatusBadGateway, "AuthorizationStartFailed", err.Error())
	}

	return e.Redirect(http.StatusFound, authUrl)
}

func (s *DemoServer) handleCallback(e echo.Context) error {
	ctx := e.Request().Context()

	sess, err := s.sessions.Current(e)
	if err != nil {
		return s.errorRedirect(e, "session_not_found")
	}

	_, err = s.initiator.Complete(ctx, sess, oauth.CallbackArgs{
		Code:             e.QueryParam("code"),
		State:            e.QueryParam("state"),
		Iss:              e.QueryParam("iss"),
		Error:            e.QueryParam("error"),
		ErrorDescription: e.QueryParam("error_description"),
		RedirectUri:      s.redirectUri,
	})
	if err != nil {
		s.logger.Warn("authorization callback failed", "err", err)

		var authErr *oauth.AuthorizationError
		var tokenErr *oauth.TokenRequestError
		switch {
		case errors.As(err, &authErr):
			return s.errorRedirect(e, authErr.ErrorCode)
		case errors.As(err, &tokenErr):
			return s.errorRedirect(e, tokenErr.ErrorCode)
		case errors.Is(err, oauth.ErrStateMismatch):
			return s.errorRedirect(e, "state_mismatch")
		case errors.Is(err, oauth.ErrIssuerMismatch):
			return s.errorRedirect(e, "issuer_mismatch")
		default:
			return s.errorRedirect(e, "server_error")
		}
	}

	if err := s.sessions.Promote(ctx, e, sess); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, "/")
}

func (s *DemoServer) errorRedirect(e echo.Context, code string) error {
	return e.Redirect(http.StatusFound, "/?error="+url.QueryEscape(code))
}

func (s *DemoServer) handleLogout(e echo.Context) error {
	if err := s.sessions.End(e); err != nil && !errors.Is(err, websession.ErrSessionNotFound) {
		return err
	}

	return e.Redirect(http.StatusFound, "/")
}
