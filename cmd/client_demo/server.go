package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/websession"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"
)

const (
	loginScope   = "openid accounts"
	paymentScope = "openid payments"
)

type DemoServer struct {
	e           *echo.Echo
	logger      *slog.Logger
	key         *oauth.KeyPair
	client      *oauth.Client
	initiator   *oauth.Initiator
	sessions    *websession.Manager
	consents    *oauth.ResourceClient
	bankUrl     string
	redirectUri string
}

type DemoConfig struct {
	ClientId string
	// PublicUrl is where this server is reachable; the redirect uri and
	// jwks are served under it.
	PublicUrl     string
	Issuer        string
	BankUrl       string
	Key           *oauth.KeyPair
	DB            *gorm.DB
	CookieSecret  []byte
	SecureCookies bool
	AllowInsecure bool
	Logger        *slog.Logger
}

func NewDemoServer(cfg DemoConfig) (*DemoServer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if len(cfg.CookieSecret) == 0 {
		return nil, fmt.Errorf("no cookie secret provided")
	}

	if cfg.BankUrl == "" {
		return nil, fmt.Errorf("no bank url provided")
	}

	publicUrl := strings.TrimSuffix(cfg.PublicUrl, "/")
	redirectUri := publicUrl + "/callback"

	client, err := oauth.NewClient(oauth.ClientArgs{
		Key:           cfg.Key,
		ClientId:      cfg.ClientId,
		RedirectUri:   redirectUri,
		AllowInsecure: cfg.AllowInsecure,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := websession.NewGormStore(websession.GormStoreArgs{
		DB:     cfg.DB,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	initiator, err := oauth.NewInitiator(oauth.InitiatorArgs{
		Client:   client,
		Issuer:   cfg.Issuer,
		Sessions: store,
	})
	if err != nil {
		return nil, err
	}

	// consents are created with the client's own client_credentials grant
	consents, err := oauth.NewResourceClient(oauth.ResourceClientArgs{
		H:    client.HTTPClient(),
		Dpop: client.Dpop(),
		Tokens: oauth.NewTokenSource(&oauth.ClientCredentialsFetcher{
			Client: client,
			Issuer: cfg.Issuer,
			Scope:  "payments",
		}),
		BaseUrl: cfg.BankUrl,
	})
	if err != nil {
		return nil, err
	}

	s := &DemoServer{
		logger:      cfg.Logger.With("component", "client_demo"),
		key:         cfg.Key,
		client:      client,
		initiator:   initiator,
		sessions:    websession.NewManager(websession.ManagerArgs{Store: store, Secure: cfg.SecureCookies}),
		consents:    consents,
		bankUrl:     strings.TrimSuffix(cfg.BankUrl, "/"),
		redirectUri: redirectUri,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(slogecho.New(s.logger))
	e.Use(websession.Middleware(cfg.CookieSecret))

	e.GET("/", s.handleHome)
	e.GET("/login", s.handleLoginSubmit)
	e.GET("/callback", s.handleCallback)
	e.GET("/logout", s.handleLogout)
	e.POST("/pay", s.handlePay)
	e.POST("/payments/submit", s.handleSubmitPayment)
	e.GET("/payments/:id", s.handleGetPayment)

	jwks := e.Group("/.well-known", middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
	}))
	jwks.GET("/jwks.json", s.handleJwks)

	s.e = e

	return s, nil
}

func (s *DemoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

func demoError(e echo.Context, status int, code, message string) error {
	return e.JSON(status, oauth.ResourceError{ErrorCode: code, ErrorMessage: message})
}

func (s *DemoServer) handleHome(e echo.Context) error {
	status := map[string]any{"authenticated": false}

	if sess, err := s.sessions.Current(e); err == nil {
		status["authenticated"] = sess.IsAuthenticated
		status["userId"] = sess.UserId
		status["consentId"] = sess.ConsentId
	}

	if code := e.QueryParam("error"); code != "" {
		status["error"] = code
	}

	return e.JSON(http.StatusOK, status)
}

func (s *DemoServer) handleJwks(e echo.Context) error {
	jwks, err := oauth.CreateJwksResponseObject(s.key)
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, jwks)
}
