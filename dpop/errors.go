package dpop

import "errors"

var (
	ErrMissingProof = errors.New("dpop proof is missing")
	ErrInvalidProof = errors.New("dpop proof is invalid")
	ErrReplay       = errors.New("dpop proof jti has already been used")
	ErrUseNonce     = errors.New("dpop proof must carry a fresh server nonce")
	ErrKeyMismatch  = errors.New("dpop proof key does not match the bound key")

	ErrInvalidToken = errors.New("access token is invalid")
)

// ErrorCode maps a verification error to its RFC 9449 / RFC 6750 code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUseNonce):
		return "use_dpop_nonce"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	default:
		return "invalid_dpop_proof"
	}
}
