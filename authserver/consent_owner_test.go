package authserver

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/haileyok/fapi-oauth-golang/bank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bankConsents authorises against the bank's consent service in process.
type bankConsents struct {
	cs *bank.ConsentService
}

func (b bankConsents) Authorize(ctx context.Context, clientId, consentId string) error {
	return b.cs.Authorise(ctx, clientId, consentId)
}

func newBankConsents(t *testing.T) *bank.ConsentService {
	t.Helper()

	db, err := bank.OpenSqlite(filepath.Join(t.TempDir(), "bank.db"))
	require.NoError(t, err)

	cs, err := bank.NewConsentService(bank.ConsentServiceArgs{DB: db})
	require.NoError(t, err)

	return cs
}

func createConsent(t *testing.T, cs *bank.ConsentService, clientId string) string {
	t.Helper()

	c, err := cs.CreatePaymentConsent(ctx, clientId, bank.Initiation{
		InstructionIdentification: "ACME412",
		EndToEndIdentification:    "FRESCO.21302.GFX.20",
		InstructedAmount:          bank.Amount{Amount: "165.88", Currency: "GBP"},
		CreditorAccount: bank.CashAccount{
			SchemeName:     "UK.OBIE.SortCodeAccountNumber",
			Identification: "08080021325698",
			Name:           "ACME Inc",
		},
	}, nil)
	require.NoError(t, err)

	return c.ConsentId
}

func consentStatus(t *testing.T, cs *bank.ConsentService, consentId string) bank.ConsentStatus {
	t.Helper()

	c, err := cs.GetPaymentConsent(ctx, consentId)
	require.NoError(t, err)

	return c.Status
}

func TestAuthRefusesAnotherClientsConsent(t *testing.T) {
	assert := assert.New(t)

	cs := newBankConsents(t)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Consents = bankConsents{cs: cs}
	})

	foreign := createConsent(t, cs, "victim-tpp")

	_, uri := env.push(t, foreign)
	resp := env.authorize(t, uri)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal("access_denied", loc.Query().Get("error"))
	assert.Empty(loc.Query().Get("code"))
	assert.Equal(bank.ConsentAwaitingAuthorisation, consentStatus(t, cs, foreign))

	// the owner's own consent still goes through
	own := createConsent(t, cs, "tpp")

	code, _ := env.login(t, own)
	assert.NotEmpty(code)
	assert.Equal(bank.ConsentAuthorised, consentStatus(t, cs, own))
}
