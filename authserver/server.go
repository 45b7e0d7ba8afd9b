// Package authserver is a FAPI 2.0 authorization server: pushed authorization
// requests, the authorization endpoint, and a token endpoint issuing DPoP
// bound access tokens to private_key_jwt clients.
package authserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/dpop"
	"github.com/haileyok/fapi-oauth-golang/internal/ttlstore"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
)

const (
	DefaultAccessTokenLifetime  = 300 * time.Second
	DefaultRefreshTokenLifetime = 24 * time.Hour
	DefaultCodeLifetime         = 60 * time.Second
)

var DefaultScopes = []string{"openid", "payments", "accounts"}

type Config struct {
	// Issuer is the public base url, e.g. https://as.example.com.
	Issuer  string
	Key     *oauth.KeyPair
	Clients []Client
	// Requests defaults to an in-memory store.
	Requests RequestStore
	// Consents, when set, is told about every consent the user approves.
	Consents ConsentAuthorizer
	// RequireNonce makes PAR and token requests carry a server DPoP nonce.
	RequireNonce bool
	// Audience is placed in every access token, usually the resource server url.
	Audience string
	Scopes   []string

	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	CodeLifetime         time.Duration
	RequestLifetime      time.Duration
	JwksCacheTTL         time.Duration

	Logger *slog.Logger
	// Registry collects the server's metrics. Defaults to a private registry.
	Registry *prometheus.Registry
	Now      func() time.Time
}

type Server struct {
	cfg        Config
	e          *echo.Echo
	logger     *slog.Logger
	clients    *ClientRegistry
	assertions *assertionVerifier
	proofs     *dpop.Verifier
	nonces     *dpop.NonceSource
	codes      *ttlstore.Store[*grant]
	refreshes  *ttlstore.Store[*grant]
	tokens     *tokenIssuer
	issued     *prometheus.CounterVec
}

func New(cfg Config) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("no issuer provided")
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")

	if cfg.Key == nil {
		return nil, fmt.Errorf("no signing key provided")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.Requests == nil {
		cfg.Requests = NewMemoryRequestStore()
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}

	if cfg.AccessTokenLifetime <= 0 {
		cfg.AccessTokenLifetime = DefaultAccessTokenLifetime
	}

	if cfg.RefreshTokenLifetime <= 0 {
		cfg.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}

	if cfg.CodeLifetime <= 0 {
		cfg.CodeLifetime = DefaultCodeLifetime
	}

	if cfg.RequestLifetime <= 0 {
		cfg.RequestLifetime = DefaultRequestLifetime
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	clients, err := NewClientRegistry(cfg.JwksCacheTTL, cfg.Clients...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "authserver"),
		clients:    clients,
		assertions: newAssertionVerifier(cfg.Issuer, cfg.Now),
		codes:      ttlstore.New[*grant](ttlstore.WithClock[*grant](cfg.Now)),
		refreshes:  ttlstore.New[*grant](ttlstore.WithClock[*grant](cfg.Now)),
		tokens: &tokenIssuer{
			key:      cfg.Key,
			issuer:   cfg.Issuer,
			audience: cfg.Audience,
			lifetime: cfg.AccessTokenLifetime,
			now:      cfg.Now,
		},
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fapi",
			Subsystem: "authserver",
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued, by grant type.",
		}, []string{"grant_type"}),
	}

	proofCfg := dpop.Config{Now: cfg.Now}
	if cfg.RequireNonce {
		s.nonces = dpop.NewNonceSource(dpop.DefaultNonceLifetime)
		proofCfg.Nonces = s.nonces
	}
	s.proofs = dpop.NewVerifier(proofCfg)

	if err := reg.Register(s.issued); err != nil {
		return nil, fmt.Errorf("could not register metrics: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(slogecho.New(s.logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "authserver",
		Registerer: reg,
	}))

	e.GET("/.well-known/openid-configuration", s.handleDiscovery)
	e.GET("/.well-known/oauth-authorization-server", s.handleDiscovery)
	e.GET("/.well-known/jwks.json", s.handleJwks)
	e.POST("/par", s.handlePar)
	e.GET("/auth", s.handleAuth)
	e.POST("/token", s.handleToken)
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))

	s.e = e

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Run sweeps expired codes, refresh tokens and in-memory pushed requests
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	if m, ok := s.cfg.Requests.(*MemoryRequestStore); ok {
		go m.Run(ctx, ttlstore.DefaultSweepInterval)
	}

	go s.refreshes.Run(ctx, ttlstore.DefaultSweepInterval)
	s.codes.Run(ctx, ttlstore.DefaultSweepInterval)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	httpd := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", addr, "issuer", s.cfg.Issuer)
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

func (s *Server) metadata() *oauth.OauthAuthorizationMetadata {
	return &oauth.OauthAuthorizationMetadata{
		Issuer:                                     s.cfg.Issuer,
		RequestParameterSupported:                  false,
		RequestUriParameterSupported:               true,
		ScopesSupported:                            s.cfg.Scopes,
		ResponseTypesSupported:                     []string{"code"},
		ResponseModesSupported:                     []string{"query"},
		GrantTypesSupported:                        []string{"authorization_code", "refresh_token", "client_credentials"},
		CodeChallengeMethodsSupported:              []string{oauth.CodeChallengeMethodS256},
		AuthorizationResponseISSParameterSupported: true,
		JwksUri:                                    s.cfg.Issuer + "/.well-known/jwks.json",
		AuthorizationEndpoint:                      s.cfg.Issuer + "/auth",
		TokenEndpoint:                              s.cfg.Issuer + "/token",
		TokenEndpointAuthMethodsSupported:          []string{"private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256"},
		PushedAuthorizationRequestEndpoint:         s.cfg.Issuer + "/par",
		RequirePushedAuthorizationRequests:         true,
		DpopSigningAlgValuesSupported:              []string{"ES256"},
	}
}
