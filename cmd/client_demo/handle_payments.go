package main

import (
	"errors"
	"net/http"

	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/bank"
	"github.com/haileyok/fapi-oauth-golang/websession"
	"github.com/labstack/echo/v4"
)

type consentResponse struct {
	Data bank.PaymentConsent
}

type paymentResponse struct {
	Data bank.Payment
}

// handlePay creates a payment consent for the submitted form and sends the
// user to approve it.
func (s *DemoServer) handlePay(e echo.Context) error {
	ctx := e.Request().Context()

	initiation := bank.Initiation{
		InstructionIdentification: e.FormValue("instruction_id"),
		EndToEndIdentification:    e.FormValue("end_to_end_id"),
		InstructedAmount: bank.Amount{
			Amount:   e.FormValue("amount"),
			Currency: e.FormValue("currency"),
		},
		CreditorAccount: bank.CashAccount{
			SchemeName:     "UK.OBIE.SortCodeAccountNumber",
			Identification: e.FormValue("creditor_identification"),
			Name:           e.FormValue("creditor_name"),
		},
	}

	if initiation.InstructionIdentification == "" {
		initiation.InstructionIdentification = "demo-instruction"
	}

	if initiation.EndToEndIdentification == "" {
		initiation.EndToEndIdentification = "demo-e2e"
	}

	if debtor := e.FormValue("debtor_identification"); debtor != "" {
		initiation.DebtorAccount = &bank.CashAccount{
			SchemeName:     "UK.OBIE.SortCodeAccountNumber",
			Identification: debtor,
		}
	}

	if ref := e.FormValue("reference"); ref != "" {
		initiation.RemittanceInformation = &bank.RemittanceInformation{Reference: ref}
	}

	var consent consentResponse
	err := s.consents.Do(ctx, http.MethodPost, "/domestic-payment-consents", map[string]any{
		"Data": map[string]any{"Initiation": initiation},
		"Risk": map[string]any{},
	}, &consent)
	if err != nil {
		return s.bankError(e, err)
	}

	sess, err := s.sessions.Begin(e)
	if err != nil {
		return err
	}

	authUrl, err := s.initiator.Start(ctx, sess, oauth.StartArgs{
		Scope:     paymentScope,
		ConsentId: consent.Data.ConsentId,
		LoginHint: e.FormValue("login_hint"),
	})
	if err != nil {
		s.logger.Error("could not start authorization", "consent_id", consent.Data.ConsentId, "err", err)
		return demoError(e, http.StatusBadGateway, "AuthorizationStartFailed", err.Error())
	}

	return e.Redirect(http.StatusFound, authUrl)
}

// sessionBank calls the bank with the tokens of the current user's session.
func (s *DemoServer) sessionBank(e echo.Context) (*websession.Session, *oauth.ResourceClient, error) {
	sess, err := s.sessions.Current(e)
	if err != nil {
		return nil, nil, err
	}

	tokens, err := s.initiator.SessionTokenSource(sess)
	if err != nil {
		return nil, nil, err
	}

	rc, err := oauth.NewResourceClient(oauth.ResourceClientArgs{
		H:       s.client.HTTPClient(),
		Dpop:    s.client.Dpop(),
		Tokens:  tokens,
		BaseUrl: s.bankUrl,
	})
	if err != nil {
		return nil, nil, err
	}

	return sess, rc, nil
}

func (s *DemoServer) handleSubmitPayment(e echo.Context) error {
	sess, rc, err := s.sessionBank(e)
	if err != nil {
		return s.sessionError(e, err)
	}

	if sess.ConsentId == "" {
		return demoError(e, http.StatusBadRequest, "NoConsent", "session has no payment consent")
	}

	var payment paymentResponse
	err = rc.Do(e.Request().Context(), http.MethodPost, "/domestic-payments", map[string]any{
		"Data": map[string]any{"ConsentId": sess.ConsentId},
		"Risk": map[string]any{},
	}, &payment)
	if err != nil {
		return s.bankError(e, err)
	}

	return e.JSON(http.StatusOK, payment.Data)
}

func (s *DemoServer) handleGetPayment(e echo.Context) error {
	_, rc, err := s.sessionBank(e)
	if err != nil {
		return s.sessionError(e, err)
	}

	var payment paymentResponse
	if err := rc.Do(e.Request().Context(), http.MethodGet, "/domestic-payments/"+e.Param("id"), nil, &payment); err != nil {
		return s.bankError(e, err)
	}

	return e.JSON(http.StatusOK, payment.Data)
}

func (s *DemoServer) sessionError(e echo.Context, err error) error {
	if errors.Is(err, websession.ErrSessionNotFound) || errors.Is(err, websession.ErrNotAuthenticated) {
		return demoError(e, http.StatusUnauthorized, "Unauthenticated", err.Error())
	}
	return err
}

// bankError passes the bank's structured errors through to the caller.
func (s *DemoServer) bankError(e echo.Context, err error) error {
	var rerr *oauth.ResourceError
	if errors.As(err, &rerr) {
		return demoError(e, rerr.StatusCode, rerr.ErrorCode, rerr.ErrorMessage)
	}

	var nerr *oauth.NetworkError
	if errors.As(err, &nerr) {
		return demoError(e, http.StatusBadGateway, "BankUnavailable", nerr.Error())
	}

	s.logger.Error("bank call failed", "err", err)
	return demoError(e, http.StatusInternalServerError, "UnexpectedError", err.Error())
}
