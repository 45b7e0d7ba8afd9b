package authserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	InternalKeyHeader = "X-Internal-Key"
	ClientIdHeader    = "X-Client-Id"
)

// ConsentAuthorizer records the resource owner's approval of a consent with
// the resource server that owns it. The resource server must refuse a consent
// that clientId did not create.
type ConsentAuthorizer interface {
	Authorize(ctx context.Context, clientId, consentId string) error
}

// BankConsentAuthorizer calls the bank's internal authorize endpoints.
type BankConsentAuthorizer struct {
	h           *http.Client
	baseUrl     string
	internalKey string
}

type BankConsentAuthorizerArgs struct {
	H           *http.Client
	BaseUrl     string
	InternalKey string
}

func NewBankConsentAuthorizer(args BankConsentAuthorizerArgs) (*BankConsentAuthorizer, error) {
	if args.BaseUrl == "" {
		return nil, fmt.Errorf("no bank url provided")
	}

	if args.InternalKey == "" {
		return nil, fmt.Errorf("no internal key provided")
	}

	if args.H == nil {
		args.H = &http.Client{Timeout: 10 * time.Second}
	}

	return &BankConsentAuthorizer{
		h:           args.H,
		baseUrl:     strings.TrimSuffix(args.BaseUrl, "/"),
		internalKey: args.InternalKey,
	}, nil
}

func consentPath(consentId string) (string, error) {
	switch {
	case strings.HasPrefix(consentId, "pcon-"):
		return "/domestic-payment-consents/", nil
	case strings.HasPrefix(consentId, "aac-"):
		return "/account-access-consents/", nil
	default:
		return "", fmt.Errorf("unrecognised consent id %q", consentId)
	}
}

func (b *BankConsentAuthorizer) Authorize(ctx context.Context, clientId, consentId string) error {
	if clientId == "" {
		return fmt.Errorf("no client id provided")
	}

	prefix, err := consentPath(consentId)
	if err != nil {
		return err
	}

	ustr := b.baseUrl + prefix + url.PathEscape(consentId) + "/authorize"

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ustr, nil)
	if err != nil {
		return err
	}

	req.Header.Set(InternalKeyHeader, b.internalKey)
	req.Header.Set(ClientIdHeader, clientId)

	resp, err := b.h.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach bank: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bank refused to authorise consent %s: status %d: %s", consentId, resp.StatusCode, body)
	}

	return nil
}
