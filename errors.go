package oauth

import (
	"context"
	"errors"
	"fmt"
)

// KeyLoadError is returned when a persisted key cannot be read or parsed.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("could not load key from %s: %v", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

// ProofGenerationError aborts an outbound call before it is sent.
type ProofGenerationError struct {
	Err error
}

func (e *ProofGenerationError) Error() string {
	return fmt.Sprintf("could not generate dpop proof: %v", e.Err)
}

func (e *ProofGenerationError) Unwrap() error { return e.Err }

// PushedAuthorizationError carries the upstream response of a failed PAR push.
type PushedAuthorizationError struct {
	StatusCode int
	Body       string
}

func (e *PushedAuthorizationError) Error() string {
	return fmt.Sprintf("pushed authorization request failed with status %d: %s", e.StatusCode, e.Body)
}

// TokenRequestError is a non-2xx response from the token endpoint.
type TokenRequestError struct {
	StatusCode  int
	ErrorCode   string
	Description string
}

func (e *TokenRequestError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token request failed with status %d: %s (%s)", e.StatusCode, e.ErrorCode, e.Description)
	}
	return fmt.Sprintf("token request failed with status %d: %s", e.StatusCode, e.ErrorCode)
}

// AuthorizationError is an `error` returned to the redirect uri by the
// authorization server.
type AuthorizationError struct {
	ErrorCode   string
	Description string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed: %s %s", e.ErrorCode, e.Description)
}

// NetworkError wraps transport failures talking to the authorization or
// resource server. They are safe to retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// ResourceError is a structured error body from the resource server.
type ResourceError struct {
	StatusCode   int    `json:"-"`
	ErrorCode    string `json:"ErrorCode"`
	ErrorMessage string `json:"ErrorMessage"`
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource request failed with status %d: %s %s", e.StatusCode, e.ErrorCode, e.ErrorMessage)
}

var (
	ErrStateMismatch  = errors.New("session state does not match response state")
	ErrIssuerMismatch = errors.New("incoming iss did not match authserver iss")
)
