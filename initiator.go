package oauth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"github.com/haileyok/fapi-oauth-golang/websession"
)

// Initiator runs the front half of the authorization code flow: PAR push,
// redirect, and the callback's code exchange. Flow state lives in the
// caller's websession.
type Initiator struct {
	client   *Client
	issuer   string
	sessions websession.Store
	now      func() time.Time
}

type InitiatorArgs struct {
	Client   *Client
	Issuer   string
	Sessions websession.Store
}

func NewInitiator(args InitiatorArgs) (*Initiator, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no client provided")
	}

	if args.Issuer == "" {
		return nil, fmt.Errorf("no issuer provided")
	}

	if args.Sessions == nil {
		return nil, fmt.Errorf("no session store provided")
	}

	return &Initiator{
		client:   args.Client,
		issuer:   args.Issuer,
		sessions: args.Sessions,
		now:      time.Now,
	}, nil
}

type StartArgs struct {
	Scope       string
	RedirectUri string
	ConsentId   string
	LoginHint   string
}

// Start pushes an authorization request and returns the url to send the user
// to. PAR is mandatory; a failed push is returned, never downgraded to front
// channel parameters.
func (i *Initiator) Start(ctx context.Context, sess *websession.Session, args StartArgs) (string, error) {
	if sess == nil {
		return "", websession.ErrSessionNotFound
	}

	pkce, err := GeneratePkce()
	if err != nil {
		return "", fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	state, err := helpers.GenerateToken(16)
	if err != nil {
		return "", fmt.Errorf("could not generate state token: %w", err)
	}

	sess.CodeVerifier = pkce.Verifier
	sess.State = state
	sess.ConsentId = args.ConsentId

	if err := i.sessions.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("could not save session: %w", err)
	}

	meta, err := i.client.FetchAuthServerMetadata(ctx, i.issuer)
	if err != nil {
		return "", err
	}

	parResp, err := i.client.SendParAuthRequest(ctx, meta, ParRequestArgs{
		Scope:         args.Scope,
		State:         state,
		CodeChallenge: pkce.Challenge,
		RedirectUri:   args.RedirectUri,
		LoginHint:     args.LoginHint,
		ConsentId:     args.ConsentId,
	})
	if err != nil {
		return "", err
	}

	u, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	q := url.Values{
		"client_id":   {i.client.ClientId()},
		"request_uri": {parResp.RequestUri},
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

type CallbackArgs struct {
	Code             string
	State            string
	Iss              string
	Error            string
	ErrorDescription string
	RedirectUri      string
}

// Complete validates the callback against the session, exchanges the code
// and stores the DPoP bound tokens in the session.
func (i *Initiator) Complete(ctx context.Context, sess *websession.Session, args CallbackArgs) (*TokenResponse, error) {
	if sess == nil {
		return nil, websession.ErrSessionNotFound
	}

	if sess.State == "" || !helpers.ConstantTimeEqual(sess.State, args.State) {
		return nil, ErrStateMismatch
	}

	if args.Error != "" {
		return nil, &AuthorizationError{ErrorCode: args.Error, Description: args.ErrorDescription}
	}

	if args.Code == "" {
		return nil, fmt.Errorf("request missing needed parameters")
	}

	if args.Iss != "" && args.Iss != i.issuer {
		return nil, ErrIssuerMismatch
	}

	resp, err := i.client.InitialTokenRequest(ctx, i.issuer, args.Code, sess.CodeVerifier, args.RedirectUri)
	if err != nil {
		return nil, err
	}

	t := tokenFromResponse(resp, i.now())

	sess.AccessToken = t.AccessToken
	sess.RefreshToken = t.RefreshToken
	sess.TokenExpiry = t.Expiry.Unix()
	sess.UserId = t.Subject
	sess.IsAuthenticated = true
	sess.CodeVerifier = ""
	sess.State = ""

	if err := i.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("could not save session: %w", err)
	}

	return resp, nil
}

// SessionTokenSource serves the session's access token and refreshes it with
// the session's refresh token, writing rotated tokens back to the store.
func (i *Initiator) SessionTokenSource(sess *websession.Session) (*TokenSource, error) {
	if sess == nil || !sess.IsAuthenticated {
		return nil, websession.ErrNotAuthenticated
	}

	sessionId := sess.ID

	fetcher := NewRefreshFetcher(i.client, i.issuer, sess.RefreshToken, func(ctx context.Context, resp *TokenResponse) error {
		latest, err := i.sessions.Get(ctx, sessionId)
		if err != nil {
			return err
		}

		t := tokenFromResponse(resp, i.now())
		latest.AccessToken = t.AccessToken
		if t.RefreshToken != "" {
			latest.RefreshToken = t.RefreshToken
		}
		latest.TokenExpiry = t.Expiry.Unix()

		return i.sessions.Save(ctx, latest)
	})

	return NewTokenSource(fetcher, WithInitialToken(&Token{
		AccessToken:  sess.AccessToken,
		TokenType:    TokenTypeDpop,
		RefreshToken: sess.RefreshToken,
		Expiry:       time.Unix(sess.TokenExpiry, 0),
		Subject:      sess.UserId,
	})), nil
}
