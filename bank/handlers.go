package bank

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"time"

	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/dpop"
	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"github.com/labstack/echo/v4"
)

const (
	CodeFieldInvalid          = "UK.OBIE.Field.Invalid"
	CodeResourceNotFound      = "UK.OBIE.Resource.NotFound"
	CodeInvalidConsentStatus  = "UK.OBIE.Resource.InvalidConsentStatus"
	CodeConsentMismatch       = "UK.OBIE.Resource.ConsentMismatch"
	CodeUnauthorized          = "UK.OBIE.Unauthorized"
	CodeInsufficientScope     = "UK.OBIE.InsufficientScope"
	CodeUnexpectedError       = "UK.OBIE.UnexpectedError"
	CodePaymentCreationFailed = "UK.OBIE.Payment.CreationFailed"
)

const claimsKey = "claims"

var (
	amountPattern     = regexp.MustCompile(`^\d{1,13}(\.\d{1,5})?$`)
	zeroAmountPattern = regexp.MustCompile(`^0+(\.0+)?$`)
	currencyPattern   = regexp.MustCompile(`^[A-Z]{3}$`)
)

type ErrorResponse = oauth.ResourceError

type Links struct {
	Self string
}

type Envelope struct {
	Data  any
	Risk  map[string]any `json:",omitempty"`
	Links Links
}

type PaymentConsentRequest struct {
	Data struct {
		Initiation         Initiation
		ExpirationDateTime *time.Time
	}
	Risk map[string]any
}

type AccountAccessConsentRequest struct {
	Data struct {
		Permissions             []string
		ExpirationDateTime      *time.Time
		TransactionFromDateTime *time.Time
		TransactionToDateTime   *time.Time
	}
	Risk map[string]any
}

type PaymentRequest struct {
	Data struct {
		ConsentId  string
		Initiation *Initiation
	}
	Risk map[string]any
}

func apiError(e echo.Context, status int, code, message string) error {
	return e.JSON(status, ErrorResponse{ErrorCode: code, ErrorMessage: message})
}

// httpErrorHandler keeps echo's own errors (unknown route, bad method) in the
// same body shape as every other failure.
func (s *Server) httpErrorHandler(err error, e echo.Context) {
	if e.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	code := CodeUnexpectedError
	message := "unexpected error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(status)
		}
		switch status {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			code = CodeResourceNotFound
		case http.StatusBadRequest:
			code = CodeFieldInvalid
		}
	} else {
		s.logger.Error("unhandled error", "path", e.Request().URL.Path, "err", err)
	}

	if err := apiError(e, status, code, message); err != nil {
		s.logger.Error("could not write error response", "err", err)
	}
}

// serviceError maps a service error onto the api error taxonomy.
func (s *Server) serviceError(e echo.Context, err error) error {
	var statusErr *InvalidConsentStatusError
	var createErr *PaymentCreationFailedError

	switch {
	case errors.Is(err, ErrConsentNotFound), errors.Is(err, ErrPaymentNotFound):
		return apiError(e, http.StatusNotFound, CodeResourceNotFound, err.Error())
	case errors.As(err, &statusErr):
		return apiError(e, http.StatusBadRequest, CodeInvalidConsentStatus, err.Error())
	case errors.As(err, &createErr) && (errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrCurrencyMismatch)):
		return apiError(e, http.StatusBadRequest, CodePaymentCreationFailed, err.Error())
	default:
		s.logger.Error("request failed", "path", e.Request().URL.Path, "err", err)
		return apiError(e, http.StatusInternalServerError, CodeUnexpectedError, "unexpected error")
	}
}

// requireToken checks the DPoP access token and the proof that must
// accompany it, then that the token carries scope.
func (s *Server) requireToken(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(e echo.Context) error {
			r := e.Request()

			token, err := dpop.ParseAuthorization(r)
			if err != nil {
				return s.unauthorized(e, err)
			}

			claims, err := s.tokens.Verify(r.Context(), token)
			if err != nil {
				return s.unauthorized(e, errors.Join(dpop.ErrInvalidToken, err))
			}

			if claims.Cnf.Jkt == "" {
				return s.unauthorized(e, dpop.ErrInvalidToken)
			}

			_, err = s.proofs.Verify(r.Header.Get(oauth.DpopHeader), r.Method, dpop.RequestHtu(r, s.cfg.PublicUrl), dpop.VerifyOptions{
				AccessToken: token,
				Jkt:         claims.Cnf.Jkt,
			})
			if err != nil {
				return s.unauthorized(e, err)
			}

			if !claims.HasScope(scope) {
				e.Response().Header().Set("WWW-Authenticate", `DPoP error="insufficient_scope", scope="`+scope+`"`)
				return apiError(e, http.StatusForbidden, CodeInsufficientScope, "token lacks scope "+scope)
			}

			e.Set(claimsKey, claims)

			return next(e)
		}
	}
}

func (s *Server) unauthorized(e echo.Context, err error) error {
	code := dpop.ErrorCode(err)

	if code == "use_dpop_nonce" && s.nonces != nil {
		nonce, nerr := s.nonces.Issue()
		if nerr != nil {
			return nerr
		}
		e.Response().Header().Set(oauth.DpopNonceHeader, nonce)
	}

	e.Response().Header().Set("WWW-Authenticate", `DPoP error="`+code+`", algs="ES256"`)
	s.logger.Debug("request unauthorized", "path", e.Request().URL.Path, "code", code, "err", err)

	return apiError(e, http.StatusUnauthorized, CodeUnauthorized, err.Error())
}

func (s *Server) requireInternalKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		if !helpers.ConstantTimeEqual(e.Request().Header.Get(InternalKeyHeader), s.cfg.InternalKey) {
			return apiError(e, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid internal key")
		}
		return next(e)
	}
}

func claimsFrom(e echo.Context) *dpop.AccessTokenClaims {
	claims, _ := e.Get(claimsKey).(*dpop.AccessTokenClaims)
	return claims
}

func (s *Server) self(path string) Links {
	return Links{Self: s.cfg.PublicUrl + path}
}

func validateInitiation(in Initiation) string {
	switch {
	case in.InstructionIdentification == "":
		return "Initiation.InstructionIdentification is required"
	case in.EndToEndIdentification == "":
		return "Initiation.EndToEndIdentification is required"
	case !amountPattern.MatchString(in.InstructedAmount.Amount):
		return "Initiation.InstructedAmount.Amount is not a valid amount"
	case !currencyPattern.MatchString(in.InstructedAmount.Currency):
		return "Initiation.InstructedAmount.Currency must be an ISO 4217 code"
	case in.CreditorAccount.Identification == "" || in.CreditorAccount.SchemeName == "":
		return "Initiation.CreditorAccount requires SchemeName and Identification"
	case zeroAmountPattern.MatchString(in.InstructedAmount.Amount):
		return "Initiation.InstructedAmount.Amount must be positive"
	case in.DebtorAccount != nil && in.DebtorAccount.Identification == "":
		return "Initiation.DebtorAccount.Identification is required"
	}

	return ""
}

func (s *Server) handleCreatePaymentConsent(e echo.Context) error {
	var req PaymentConsentRequest
	if err := e.Bind(&req); err != nil {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, "could not decode request body")
	}

	if msg := validateInitiation(req.Data.Initiation); msg != "" {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, msg)
	}

	if exp := req.Data.ExpirationDateTime; exp != nil && !exp.After(s.cfg.Now()) {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, "ExpirationDateTime must be in the future")
	}

	c, err := s.consents.CreatePaymentConsent(e.Request().Context(), claimsFrom(e).ClientId, req.Data.Initiation, req.Data.ExpirationDateTime)
	if err != nil {
		return s.serviceError(e, err)
	}

	return e.JSON(http.StatusCreated, Envelope{
		Data:  c,
		Risk:  req.Risk,
		Links: s.self("/domestic-payment-consents/" + c.ConsentId),
	})
}

func (s *Server) handleGetPaymentConsent(e echo.Context) error {
	c, err := s.consents.GetPaymentConsent(e.Request().Context(), e.Param("id"))
	if err != nil {
		return s.serviceError(e, err)
	}

	// other clients' consents are reported as absent
	if c.ClientId != claimsFrom(e).ClientId {
		return s.serviceError(e, ErrConsentNotFound)
	}

	return e.JSON(http.StatusOK, Envelope{
		Data:  c,
		Links: s.self("/domestic-payment-consents/" + c.ConsentId),
	})
}

var accountPermissions = map[string]bool{
	"ReadAccountsBasic":       true,
	"ReadAccountsDetail":      true,
	"ReadBalances":            true,
	"ReadTransactionsBasic":   true,
	"ReadTransactionsDetail":  true,
	"ReadTransactionsCredits": true,
	"ReadTransactionsDebits":  true,
}

func (s *Server) handleCreateAccountAccessConsent(e echo.Context) error {
	var req AccountAccessConsentRequest
	if err := e.Bind(&req); err != nil {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, "could not decode request body")
	}

	if len(req.Data.Permissions) == 0 {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, "Permissions must not be empty")
	}

	for _, p := range req.Data.Permissions {
		if !accountPermissions[p] {
			return apiError(e, http.StatusBadRequest, CodeFieldInvalid, "unsupported permission "+p)
		}
	}

	if exp := req.Data.ExpirationDateTime; exp != nil && !exp.After(s.cfg.Now()) {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, "ExpirationDateTime must be in the future")
	}

	c, err := s.consents.CreateAccountAccessConsent(e.Request().Context(), claimsFrom(e).ClientId, AccountAccess{
		Permissions:             req.Data.Permissions,
		ExpirationDateTime:      req.Data.ExpirationDateTime,
		TransactionFromDateTime: req.Data.TransactionFromDateTime,
		TransactionToDateTime:   req.Data.TransactionToDateTime,
	})
	if err != nil {
		return s.serviceError(e, err)
	}

	return e.JSON(http.StatusCreated, Envelope{
		Data:  c,
		Risk:  req.Risk,
		Links: s.self("/account-access-consents/" + c.ConsentId),
	})
}

func (s *Server) handleGetAccountAccessConsent(e echo.Context) error {
	c, err := s.consents.GetAccountAccessConsent(e.Request().Context(), e.Param("id"))
	if err != nil {
		return s.serviceError(e, err)
	}

	if c.ClientId != claimsFrom(e).ClientId {
		return s.serviceError(e, ErrConsentNotFound)
	}

	return e.JSON(http.StatusOK, Envelope{
		Data:  c,
		Links: s.self("/account-access-consents/" + c.ConsentId),
	})
}

// consentOwner returns the client a consent was created by.
func (s *Server) consentOwner(e echo.Context, consentId string) (string, error) {
	ctx := e.Request().Context()

	switch KindOf(consentId) {
	case KindPayment:
		c, err := s.consents.GetPaymentConsent(ctx, consentId)
		if err != nil {
			return "", err
		}
		return c.ClientId, nil
	case KindAccountAccess:
		c, err := s.consents.GetAccountAccessConsent(ctx, consentId)
		if err != nil {
			return "", err
		}
		return c.ClientId, nil
	default:
		return "", ErrConsentNotFound
	}
}

func (s *Server) handleRevokeConsent(e echo.Context) error {
	id := e.Param("id")

	owner, err := s.consentOwner(e, id)
	if err != nil {
		return s.serviceError(e, err)
	}

	if owner != claimsFrom(e).ClientId {
		return s.serviceError(e, ErrConsentNotFound)
	}

	if err := s.consents.Revoke(e.Request().Context(), owner, id); err != nil {
		return s.serviceError(e, err)
	}

	return e.NoContent(http.StatusNoContent)
}

func (s *Server) handleAuthorizeConsent(e echo.Context) error {
	id := e.Param("id")

	clientId := e.Request().Header.Get(ClientIdHeader)
	if clientId == "" {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, ClientIdHeader+" header is required")
	}

	if err := s.consents.Authorise(e.Request().Context(), clientId, id); err != nil {
		return s.serviceError(e, err)
	}

	return e.JSON(http.StatusOK, map[string]string{"ConsentId": id, "Status": string(ConsentAuthorised)})
}

func (s *Server) handleRejectConsent(e echo.Context) error {
	id := e.Param("id")

	clientId := e.Request().Header.Get(ClientIdHeader)
	if clientId == "" {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, ClientIdHeader+" header is required")
	}

	if err := s.consents.Reject(e.Request().Context(), clientId, id); err != nil {
		return s.serviceError(e, err)
	}

	return e.JSON(http.StatusOK, map[string]string{"ConsentId": id, "Status": string(ConsentRejected)})
}

func (s *Server) handleCreatePayment(e echo.Context) error {
	ctx := e.Request().Context()
	claims := claimsFrom(e)

	var req PaymentRequest
	if err := e.Bind(&req); err != nil {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, "could not decode request body")
	}

	consentId := req.Data.ConsentId
	if consentId == "" {
		return apiError(e, http.StatusBadRequest, CodeFieldInvalid, "Data.ConsentId is required")
	}

	if claims.ConsentId != consentId {
		return apiError(e, http.StatusBadRequest, CodeConsentMismatch, "access token was not issued for this consent")
	}

	consent, err := s.consents.GetPaymentConsent(ctx, consentId)
	if err != nil {
		return s.serviceError(e, err)
	}

	if consent.ClientId != claims.ClientId {
		return s.serviceError(e, ErrConsentNotFound)
	}

	if req.Data.Initiation != nil && !reflect.DeepEqual(*req.Data.Initiation, consent.Initiation) {
		return apiError(e, http.StatusBadRequest, CodeConsentMismatch, "Initiation does not match the authorised consent")
	}

	payment, err := s.payments.Create(ctx, consentId)
	if err != nil {
		var statusErr *InvalidConsentStatusError
		if errors.As(err, &statusErr) && statusErr.Status == ConsentConsumed {
			// the consent was already spent; if it was spent on a payment,
			// this is a retry of that request
			if existing, gerr := s.payments.GetByConsent(ctx, consentId); gerr == nil {
				return e.JSON(http.StatusOK, Envelope{
					Data:  existing,
					Links: s.self("/domestic-payments/" + existing.DomesticPaymentId),
				})
			}
		}
		return s.serviceError(e, err)
	}

	return e.JSON(http.StatusCreated, Envelope{
		Data:  payment,
		Risk:  req.Risk,
		Links: s.self("/domestic-payments/" + payment.DomesticPaymentId),
	})
}

func (s *Server) handleGetPayment(e echo.Context) error {
	ctx := e.Request().Context()

	payment, err := s.payments.Get(ctx, e.Param("id"))
	if err != nil {
		return s.serviceError(e, err)
	}

	consent, err := s.consents.GetPaymentConsent(ctx, payment.ConsentId)
	if err != nil {
		return s.serviceError(e, err)
	}

	if consent.ClientId != claimsFrom(e).ClientId {
		return s.serviceError(e, ErrPaymentNotFound)
	}

	return e.JSON(http.StatusOK, Envelope{
		Data:  payment,
		Links: s.self("/domestic-payments/" + payment.DomesticPaymentId),
	})
}
