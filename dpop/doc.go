// Package dpop verifies DPoP proofs (RFC 9449) on the server side.
//
// A proof is accepted only if it is an ES256 signed `dpop+jwt` carrying its
// public key in the `jwk` header, its htm and htu match the request it came
// with, its iat is inside the freshness window, and its jti has not been seen
// before for the same key within that window.
//
// Verifying an incoming request:
//
//	v := dpop.NewVerifier(dpop.Config{})
//	res, err := v.Verify(r.Header.Get("DPoP"), r.Method, dpop.RequestHtu(r, ""), dpop.VerifyOptions{})
//
// Resource servers additionally pass the presented access token, so the
// proof's ath and the token's cnf.jkt are checked as well.
package dpop
