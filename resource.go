package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ResourceClient calls a DPoP protected resource server. Every request carries
// the current access token and a proof minted for exactly that request.
type ResourceClient struct {
	h       *http.Client
	dpop    *DpopSigner
	tokens  *TokenSource
	baseUrl string
}

type ResourceClientArgs struct {
	H       *http.Client
	Dpop    *DpopSigner
	Tokens  *TokenSource
	BaseUrl string
}

func NewResourceClient(args ResourceClientArgs) (*ResourceClient, error) {
	if args.Dpop == nil {
		return nil, fmt.Errorf("no dpop signer provided")
	}

	if args.Tokens == nil {
		return nil, fmt.Errorf("no token source provided")
	}

	if args.BaseUrl == "" {
		return nil, fmt.Errorf("no base url provided")
	}

	if args.H == nil {
		args.H = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	return &ResourceClient{
		h:       args.H,
		dpop:    args.Dpop,
		tokens:  args.Tokens,
		baseUrl: strings.TrimSuffix(args.BaseUrl, "/"),
	}, nil
}

// Do sends body as JSON (when non-nil) and decodes a 2xx response into out
// (when non-nil). Non-2xx responses become *ResourceError.
func (rc *ResourceClient) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request body: %w", err)
		}
		payload = b
	}

	for attempt := range 2 {
		token, err := rc.tokens.Token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, rc.baseUrl+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}

		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", token.AuthorizationHeader())

		// the proof is minted last, for this exact request
		if err := rc.dpop.ProofForRequest(req, token.AccessToken); err != nil {
			return err
		}

		resp, err := rc.h.Do(req)
		if err != nil {
			return &NetworkError{Op: method + " " + path, Err: err}
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return &NetworkError{Op: "read response for " + path, Err: err}
		}

		nonceChanged := rc.dpop.Nonces().Observe(resp)

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			if nonceChanged && strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			rerr := &ResourceError{StatusCode: resp.StatusCode}
			_ = json.Unmarshal(respBody, rerr)
			if resp.StatusCode == http.StatusUnauthorized {
				rc.tokens.Invalidate()
			}
			return rerr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("could not unmarshal response: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("resource server kept rejecting the dpop nonce")
}
