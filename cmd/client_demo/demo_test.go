package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/authserver"
	"github.com/haileyok/fapi-oauth-golang/bank"
	"github.com/haileyok/fapi-oauth-golang/dpop"
	"github.com/haileyok/fapi-oauth-golang/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ctx = context.Background()

const internalKey = "internal-secret"

type demoEnv struct {
	demoUrl string
	bank    *bank.Server
}

// newDemoEnv runs the authorization server, the bank and the demo client
// against each other on loopback listeners.
func newDemoEnv(t *testing.T) *demoEnv {
	t.Helper()

	asTs := httptest.NewUnstartedServer(nil)
	bankTs := httptest.NewUnstartedServer(nil)
	demoTs := httptest.NewUnstartedServer(nil)

	issuer := "http://" + asTs.Listener.Addr().String()
	bankUrl := "http://" + bankTs.Listener.Addr().String()
	demoUrl := "http://" + demoTs.Listener.Addr().String()

	asKey, err := oauth.GenerateKey()
	require.NoError(t, err)

	clientKey, err := oauth.GenerateKey()
	require.NoError(t, err)

	consents, err := authserver.NewBankConsentAuthorizer(authserver.BankConsentAuthorizerArgs{
		BaseUrl:     bankUrl,
		InternalKey: internalKey,
	})
	require.NoError(t, err)

	as, err := authserver.New(authserver.Config{
		Issuer: issuer,
		Key:    asKey,
		Clients: []authserver.Client{{
			ID:           "tpp",
			RedirectUris: []string{demoUrl + "/callback"},
			JwksUri:      demoUrl + "/.well-known/jwks.json",
		}},
		Consents: consents,
		Audience: bankUrl,
	})
	require.NoError(t, err)

	bankDb, err := bank.OpenSqlite(filepath.Join(t.TempDir(), "bank.db"))
	require.NoError(t, err)
	require.NoError(t, bank.SeedAccounts(ctx, bankDb, bank.DefaultAccounts...))

	b, err := bank.New(bank.Config{
		PublicUrl:       bankUrl,
		Issuer:          issuer,
		Keys:            dpop.NewRemoteKeys(issuer+"/.well-known/jwks.json", time.Minute),
		Audience:        bankUrl,
		InternalKey:     internalKey,
		DB:              bankDb,
		Events:          events.Nop{},
		SettlementDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	demoDb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "demo.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	demo, err := NewDemoServer(DemoConfig{
		ClientId:      "tpp",
		PublicUrl:     demoUrl,
		Issuer:        issuer,
		BankUrl:       bankUrl,
		Key:           clientKey,
		DB:            demoDb,
		CookieSecret:  []byte("0123456789abcdef0123456789abcdef"),
		AllowInsecure: true,
	})
	require.NoError(t, err)

	asTs.Config.Handler = as
	bankTs.Config.Handler = b
	demoTs.Config.Handler = demo

	for _, ts := range []*httptest.Server{asTs, bankTs, demoTs} {
		ts.Start()
		t.Cleanup(ts.Close)
	}

	return &demoEnv{demoUrl: demoUrl, bank: b}
}

// browser follows redirects and keeps cookies, like a user agent would.
func browser(t *testing.T) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

type homeStatus struct {
	Authenticated bool   `json:"authenticated"`
	UserId        string `json:"userId"`
	ConsentId     string `json:"consentId"`
	Error         string `json:"error"`
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (env *demoEnv) get(t *testing.T, b *http.Client, path string) *http.Response {
	t.Helper()

	resp, err := b.Get(env.demoUrl + path)
	require.NoError(t, err)

	return resp
}

func (env *demoEnv) post(t *testing.T, b *http.Client, path string, form url.Values) *http.Response {
	t.Helper()

	resp, err := b.PostForm(env.demoUrl+path, form)
	require.NoError(t, err)

	return resp
}

func payForm() url.Values {
	return url.Values{
		"instruction_id":          {"ACME412"},
		"end_to_end_id":           {"FRESCO.21302.GFX.20"},
		"amount":                  {"165.88"},
		"currency":                {"GBP"},
		"creditor_identification": {"08080021325698"},
		"creditor_name":           {"ACME Inc"},
		"debtor_identification":   {bank.DefaultAccounts[0].Identification},
		"reference":               {"FRESCO-101"},
		"login_hint":              {"alice"},
	}
}

func TestPaymentJourney(t *testing.T) {
	assert := assert.New(t)
	env := newDemoEnv(t)
	b := browser(t)

	resp := env.post(t, b, "/pay", payForm())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var home homeStatus
	decode(t, resp, &home)
	assert.True(home.Authenticated)
	assert.Equal("alice", home.UserId)
	assert.True(strings.HasPrefix(home.ConsentId, bank.PaymentConsentPrefix))
	assert.Empty(home.Error)

	consent, err := env.bank.Consents().GetPaymentConsent(ctx, home.ConsentId)
	require.NoError(t, err)
	assert.Equal(bank.ConsentAuthorised, consent.Status)
	assert.Equal("165.88", consent.Initiation.InstructedAmount.Amount)

	resp = env.post(t, b, "/payments/submit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payment bank.Payment
	decode(t, resp, &payment)
	assert.NotEmpty(payment.DomesticPaymentId)
	assert.Equal(home.ConsentId, payment.ConsentId)
	assert.Equal(bank.PaymentAcceptedSettlementInProcess, payment.Status)

	// submitting again returns the payment the consent already produced
	resp = env.post(t, b, "/payments/submit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var again bank.Payment
	decode(t, resp, &again)
	assert.Equal(payment.DomesticPaymentId, again.DomesticPaymentId)

	assert.Eventually(func() bool {
		resp, err := b.Get(env.demoUrl + "/payments/" + payment.DomesticPaymentId)
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var current bank.Payment
		if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
			return false
		}
		return current.Status == bank.PaymentAcceptedSettlementCompleted
	}, 5*time.Second, 20*time.Millisecond)

	consent, err = env.bank.Consents().GetPaymentConsent(ctx, home.ConsentId)
	require.NoError(t, err)
	assert.Equal(bank.ConsentConsumed, consent.Status)

	txs, err := env.bank.Payments().Transactions(ctx, payment.DomesticPaymentId)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(bank.Debit, txs[0].CreditDebitIndicator)
}

func TestLoginAndLogout(t *testing.T) {
	assert := assert.New(t)
	env := newDemoEnv(t)
	b := browser(t)

	var home homeStatus
	decode(t, env.get(t, b, "/"), &home)
	assert.False(home.Authenticated)

	resp := env.get(t, b, "/login?login_hint=bob")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &home)
	assert.True(home.Authenticated)
	assert.Equal("bob", home.UserId)
	assert.Empty(home.ConsentId)

	// a login session carries no payment consent
	resp = env.post(t, b, "/payments/submit", nil)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	var rerr oauth.ResourceError
	decode(t, resp, &rerr)
	assert.Equal("NoConsent", rerr.ErrorCode)

	resp = env.get(t, b, "/logout")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	home = homeStatus{}
	decode(t, resp, &home)
	assert.False(home.Authenticated)

	resp = env.post(t, b, "/payments/submit", nil)
	assert.Equal(http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestCallbackWithoutSession(t *testing.T) {
	assert := assert.New(t)
	env := newDemoEnv(t)
	b := browser(t)

	resp := env.get(t, b, "/callback?code=abc&state=xyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var home homeStatus
	decode(t, resp, &home)
	assert.False(home.Authenticated)
	assert.Equal("session_not_found", home.Error)
}

func TestPayRejectsInvalidInitiation(t *testing.T) {
	assert := assert.New(t)
	env := newDemoEnv(t)
	b := browser(t)

	form := payForm()
	form.Set("amount", "not-a-number")

	resp := env.post(t, b, "/pay", form)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)

	var rerr oauth.ResourceError
	decode(t, resp, &rerr)
	assert.Equal(bank.CodeFieldInvalid, rerr.ErrorCode)
}

func TestJwksIsServed(t *testing.T) {
	assert := assert.New(t)
	env := newDemoEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.demoUrl+"/.well-known/jwks.json", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://elsewhere.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal("*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Keys, 1)
	assert.Equal("ES256", body.Keys[0]["alg"])
	assert.NotContains(body.Keys[0], "d")
}

func TestNewDemoServerArgs(t *testing.T) {
	assert := assert.New(t)

	key, err := oauth.GenerateKey()
	require.NoError(t, err)

	_, err = NewDemoServer(DemoConfig{ClientId: "tpp", PublicUrl: "http://localhost:8080", Issuer: "http://localhost:9000", BankUrl: "http://localhost:9100", Key: key})
	assert.Error(err)

	_, err = NewDemoServer(DemoConfig{ClientId: "tpp", PublicUrl: "http://localhost:8080", Issuer: "http://localhost:9000", Key: key, CookieSecret: []byte("secret")})
	assert.Error(err)
}
