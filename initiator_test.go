package oauth

import (
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"github.com/haileyok/fapi-oauth-golang/websession"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestInitiator(t *testing.T, as *fakeAuthServer) (*Initiator, *websession.GormStore) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sessions.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := websession.NewGormStore(websession.GormStoreArgs{DB: db})
	require.NoError(t, err)

	initiator, err := NewInitiator(InitiatorArgs{
		Client:   newTestClient(t),
		Issuer:   as.URL(),
		Sessions: store,
	})
	require.NoError(t, err)

	return initiator, store
}

func startFlow(t *testing.T, initiator *Initiator, store *websession.GormStore) *websession.Session {
	t.Helper()

	sess, err := store.Create(ctx, websession.PreAuthTTL)
	require.NoError(t, err)

	_, err = initiator.Start(ctx, sess, StartArgs{Scope: "openid payments", ConsentId: "pcon-001"})
	require.NoError(t, err)

	stored, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)

	return stored
}

func TestInitiatorStart(t *testing.T) {
	assert := assert.New(t)
	as := newFakeAuthServer(t)
	initiator, store := newTestInitiator(t, as)

	sess, err := store.Create(ctx, websession.PreAuthTTL)
	require.NoError(t, err)

	authUrl, err := initiator.Start(ctx, sess, StartArgs{Scope: "openid payments", ConsentId: "pcon-001"})
	require.NoError(t, err)

	u, err := url.Parse(authUrl)
	require.NoError(t, err)
	assert.Equal(as.URL()+"/auth", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal("tpp", u.Query().Get("client_id"))
	assert.True(strings.HasPrefix(u.Query().Get("request_uri"), RequestUriPrefix))

	// nothing but the handle travels through the front channel
	assert.Empty(u.Query().Get("code_challenge"))
	assert.Empty(u.Query().Get("state"))

	stored, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(stored.State, 32)
	assert.Len(stored.CodeVerifier, 43)
	assert.Equal("pcon-001", stored.ConsentId)
	assert.False(stored.IsAuthenticated)

	parForms, _, _ := as.recorded()
	require.Len(t, parForms, 1)
	assert.Equal(stored.State, parForms[0].Get("state"))
	assert.Equal(helpers.GenerateCodeChallenge(stored.CodeVerifier), parForms[0].Get("code_challenge"))
}

func TestInitiatorStartParFailure(t *testing.T) {
	as := newFakeAuthServer(t)
	as.configure(func(f *fakeAuthServer) {
		f.parStatus = 500
		f.parBody = "boom"
	})
	initiator, store := newTestInitiator(t, as)

	sess, err := store.Create(ctx, websession.PreAuthTTL)
	require.NoError(t, err)

	authUrl, err := initiator.Start(ctx, sess, StartArgs{Scope: "openid"})
	assert.Empty(t, authUrl)

	var pae *PushedAuthorizationError
	assert.ErrorAs(t, err, &pae)
}

func TestInitiatorCompleteRejections(t *testing.T) {
	as := newFakeAuthServer(t)
	initiator, store := newTestInitiator(t, as)
	sess := startFlow(t, initiator, store)

	_, err := initiator.Complete(ctx, sess, CallbackArgs{Code: "code", State: "wrong", Iss: as.URL()})
	assert.ErrorIs(t, err, ErrStateMismatch)

	_, err = initiator.Complete(ctx, sess, CallbackArgs{State: sess.State, Error: "access_denied", ErrorDescription: "user said no"})
	var ae *AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "access_denied", ae.ErrorCode)

	_, err = initiator.Complete(ctx, sess, CallbackArgs{Code: "code", State: sess.State, Iss: "https://other.example.com"})
	assert.ErrorIs(t, err, ErrIssuerMismatch)

	_, _, tokenForms := as.recorded()
	assert.Empty(t, tokenForms)
}

func TestInitiatorComplete(t *testing.T) {
	assert := assert.New(t)
	as := newFakeAuthServer(t)
	initiator, store := newTestInitiator(t, as)
	sess := startFlow(t, initiator, store)
	verifier := sess.CodeVerifier

	resp, err := initiator.Complete(ctx, sess, CallbackArgs{Code: "code-1", State: sess.State, Iss: as.URL()})
	require.NoError(t, err)
	assert.Equal(TokenTypeDpop, resp.TokenType)

	_, _, tokenForms := as.recorded()
	require.Len(t, tokenForms, 1)
	assert.Equal("authorization_code", tokenForms[0].Get("grant_type"))
	assert.Equal("code-1", tokenForms[0].Get("code"))
	assert.Equal(verifier, tokenForms[0].Get("code_verifier"))

	stored, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(stored.IsAuthenticated)
	assert.Equal(resp.AccessToken, stored.AccessToken)
	assert.Equal("refresh-a", stored.RefreshToken)
	assert.Equal("user-1", stored.UserId)
	assert.Empty(stored.State)
	assert.Empty(stored.CodeVerifier)
	assert.InDelta(time.Now().Add(10*time.Minute).Unix(), stored.TokenExpiry, 5)

	// a replayed callback no longer matches any state
	_, err = initiator.Complete(ctx, stored, CallbackArgs{Code: "code-1", State: sess.State, Iss: as.URL()})
	assert.ErrorIs(err, ErrStateMismatch)
}

func TestSessionTokenSourcePersistsRotation(t *testing.T) {
	assert := assert.New(t)
	as := newFakeAuthServer(t)
	initiator, store := newTestInitiator(t, as)
	sess := startFlow(t, initiator, store)

	_, err := initiator.Complete(ctx, sess, CallbackArgs{Code: "code-1", State: sess.State, Iss: as.URL()})
	require.NoError(t, err)

	stored, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)

	ts, err := initiator.SessionTokenSource(stored)
	require.NoError(t, err)

	tok, err := ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(stored.AccessToken, tok.AccessToken)

	ts.Invalidate()

	_, err = ts.Token(ctx)
	require.NoError(t, err)

	_, _, tokenForms := as.recorded()
	require.Len(t, tokenForms, 2)
	assert.Equal("refresh_token", tokenForms[1].Get("grant_type"))
	assert.Equal("refresh-a", tokenForms[1].Get("refresh_token"))

	rotated, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal("refresh-b", rotated.RefreshToken)
	assert.True(rotated.IsAuthenticated)
}

func TestSessionTokenSourceRequiresAuthentication(t *testing.T) {
	as := newFakeAuthServer(t)
	initiator, _ := newTestInitiator(t, as)

	_, err := initiator.SessionTokenSource(&websession.Session{ID: "x"})
	assert.ErrorIs(t, err, websession.ErrNotAuthenticated)
}
