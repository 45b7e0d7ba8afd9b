package authserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBankConsentAuthorizer(t *testing.T) {
	assert := assert.New(t)

	var gotPath, gotMethod, gotKey, gotClient string
	bank := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod, gotKey = r.URL.Path, r.Method, r.Header.Get(InternalKeyHeader)
		gotClient = r.Header.Get(ClientIdHeader)
		if r.URL.Path == "/domestic-payment-consents/pcon-404/authorize" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer bank.Close()

	a, err := NewBankConsentAuthorizer(BankConsentAuthorizerArgs{BaseUrl: bank.URL + "/", InternalKey: "secret"})
	require.NoError(t, err)

	require.NoError(t, a.Authorize(ctx, "tpp", "pcon-001"))
	assert.Equal("/domestic-payment-consents/pcon-001/authorize", gotPath)
	assert.Equal(http.MethodPut, gotMethod)
	assert.Equal("secret", gotKey)
	assert.Equal("tpp", gotClient)

	require.NoError(t, a.Authorize(ctx, "tpp", "aac-001"))
	assert.Equal("/account-access-consents/aac-001/authorize", gotPath)

	assert.Error(a.Authorize(ctx, "tpp", "pcon-404"))
	assert.Error(a.Authorize(ctx, "tpp", "weird-1"))
	assert.Error(a.Authorize(ctx, "", "pcon-001"))
}

func TestNewBankConsentAuthorizerValidation(t *testing.T) {
	_, err := NewBankConsentAuthorizer(BankConsentAuthorizerArgs{InternalKey: "k"})
	assert.Error(t, err)

	_, err = NewBankConsentAuthorizer(BankConsentAuthorizerArgs{BaseUrl: "http://bank"})
	assert.Error(t, err)
}
