// Package bank is the resource server of the flow: payment and account
// access consents, the payments they authorise, and the ledger those
// payments post to. Every public call must present a DPoP bound access token
// from the authorization server.
package bank

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haileyok/fapi-oauth-golang/dpop"
	"github.com/haileyok/fapi-oauth-golang/events"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"
)

// InternalKeyHeader authenticates the authorization server on the consent
// authorize and reject endpoints.
const InternalKeyHeader = "X-Internal-Key"

// ClientIdHeader names the client the authorization server approved the
// consent for. It must match the client that created the consent.
const ClientIdHeader = "X-Client-Id"

const (
	ScopePayments = "payments"
	ScopeAccounts = "accounts"
)

type Config struct {
	// PublicUrl is the base url clients address, used to check DPoP htu.
	PublicUrl string
	// Issuer and Keys identify the authorization server whose tokens are
	// accepted.
	Issuer string
	Keys   dpop.KeySource
	// Audience, when set, must appear in every access token.
	Audience    string
	InternalKey string
	// RequireNonce makes every proof carry a nonce issued by this server.
	RequireNonce bool

	DB              *gorm.DB
	Events          events.Publisher
	SettlementDelay time.Duration

	Logger *slog.Logger
	// Registry collects the server's metrics. Defaults to a private registry.
	Registry *prometheus.Registry
	Now      func() time.Time
}

type Server struct {
	cfg      Config
	e        *echo.Echo
	logger   *slog.Logger
	consents *ConsentService
	payments *PaymentService
	settler  *Settler
	tokens   *dpop.TokenVerifier
	proofs   *dpop.Verifier
	nonces   *dpop.NonceSource
}

func New(cfg Config) (*Server, error) {
	if cfg.PublicUrl == "" {
		return nil, fmt.Errorf("no public url provided")
	}
	cfg.PublicUrl = strings.TrimSuffix(cfg.PublicUrl, "/")

	if cfg.InternalKey == "" {
		return nil, fmt.Errorf("no internal key provided")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Events == nil {
		cfg.Events = events.LogPublisher{Logger: cfg.Logger}
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("could not register metrics: %w", err)
	}

	tokens, err := dpop.NewTokenVerifier(dpop.TokenVerifierArgs{
		Keys:     cfg.Keys,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	consents, err := newConsentService(ConsentServiceArgs{
		DB:     cfg.DB,
		Logger: cfg.Logger,
		Events: cfg.Events,
		Now:    cfg.Now,
	}, m)
	if err != nil {
		return nil, err
	}

	settler, err := newSettler(SettlerArgs{
		DB:     cfg.DB,
		Delay:  cfg.SettlementDelay,
		Logger: cfg.Logger,
		Events: cfg.Events,
		Now:    cfg.Now,
	}, m)
	if err != nil {
		return nil, err
	}

	payments, err := newPaymentService(PaymentServiceArgs{
		DB:       cfg.DB,
		Consents: consents,
		Settler:  settler,
		Logger:   cfg.Logger,
		Events:   cfg.Events,
		Now:      cfg.Now,
	}, m)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "bank"),
		consents: consents,
		payments: payments,
		settler:  settler,
		tokens:   tokens,
	}

	proofCfg := dpop.Config{Now: cfg.Now}
	if cfg.RequireNonce {
		s.nonces = dpop.NewNonceSource(dpop.DefaultNonceLifetime)
		proofCfg.Nonces = s.nonces
	}
	s.proofs = dpop.NewVerifier(proofCfg)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(slogecho.New(s.logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "bank",
		Registerer: reg,
	}))

	payScope := s.requireToken(ScopePayments)
	accScope := s.requireToken(ScopeAccounts)
	internal := s.requireInternalKey

	e.POST("/domestic-payment-consents", s.handleCreatePaymentConsent, payScope)
	e.GET("/domestic-payment-consents/:id", s.handleGetPaymentConsent, payScope)
	e.DELETE("/domestic-payment-consents/:id", s.handleRevokeConsent, payScope)
	e.PUT("/domestic-payment-consents/:id/authorize", s.handleAuthorizeConsent, internal)
	e.PUT("/domestic-payment-consents/:id/reject", s.handleRejectConsent, internal)

	e.POST("/account-access-consents", s.handleCreateAccountAccessConsent, accScope)
	e.GET("/account-access-consents/:id", s.handleGetAccountAccessConsent, accScope)
	e.DELETE("/account-access-consents/:id", s.handleRevokeConsent, accScope)
	e.PUT("/account-access-consents/:id/authorize", s.handleAuthorizeConsent, internal)
	e.PUT("/account-access-consents/:id/reject", s.handleRejectConsent, internal)

	e.POST("/domestic-payments", s.handleCreatePayment, payScope)
	e.GET("/domestic-payments/:id", s.handleGetPayment, payScope)

	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))

	s.e = e

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

func (s *Server) Consents() *ConsentService { return s.consents }

func (s *Server) Payments() *PaymentService { return s.payments }

// Recover reschedules settlement of payments left in flight by a previous
// process.
func (s *Server) Recover(ctx context.Context) error {
	_, err := s.settler.Recover(ctx)
	return err
}

// Close cancels pending settlement advances.
func (s *Server) Close() {
	s.settler.Close()
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}
	defer s.Close()

	httpd := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", addr, "public_url", s.cfg.PublicUrl)
		errc <- httpd.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpd.Shutdown(shutdownCtx)
	}
}
