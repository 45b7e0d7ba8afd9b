package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/authserver"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "fapi-authserver",
		Usage:   "FAPI 2.0 authorization server with PAR and DPoP bound tokens",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":9000",
				EnvVars: []string{"AUTHSERVER_ADDR"},
			},
			&cli.StringFlag{
				Name:    "issuer",
				Value:   "http://localhost:9000",
				EnvVars: []string{"AUTHSERVER_ISSUER"},
			},
			&cli.StringFlag{
				Name:    "key-path",
				Value:   "./data/authserver_key.pem",
				EnvVars: []string{"AUTHSERVER_KEY_PATH"},
			},
			&cli.StringFlag{
				Name:    "client-id",
				Value:   "tpp",
				EnvVars: []string{"AUTHSERVER_CLIENT_ID"},
			},
			&cli.StringSliceFlag{
				Name:    "client-redirect-uri",
				Value:   cli.NewStringSlice("http://localhost:8080/callback"),
				EnvVars: []string{"AUTHSERVER_CLIENT_REDIRECT_URIS"},
			},
			&cli.StringFlag{
				Name:    "client-jwks-uri",
				Value:   "http://localhost:8080/.well-known/jwks.json",
				EnvVars: []string{"AUTHSERVER_CLIENT_JWKS_URI"},
			},
			&cli.StringFlag{
				Name:    "bank-url",
				Value:   "http://localhost:9100",
				EnvVars: []string{"AUTHSERVER_BANK_URL"},
			},
			&cli.StringFlag{
				Name:    "audience",
				Usage:   "access token audience, defaults to the bank url",
				EnvVars: []string{"AUTHSERVER_AUDIENCE"},
			},
			&cli.StringFlag{
				Name:     "internal-key",
				Required: true,
				EnvVars:  []string{"INTERNAL_KEY"},
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "keep pushed requests in redis instead of memory",
				EnvVars: []string{"AUTHSERVER_REDIS_URL"},
			},
			&cli.BoolFlag{
				Name:    "require-nonce",
				EnvVars: []string{"AUTHSERVER_REQUIRE_NONCE"},
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	ctx, stop := signal.NotifyContext(cmd.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	key, err := oauth.LoadOrGenerateKey(cmd.String("key-path"))
	if err != nil {
		return err
	}

	consents, err := authserver.NewBankConsentAuthorizer(authserver.BankConsentAuthorizerArgs{
		BaseUrl:     cmd.String("bank-url"),
		InternalKey: cmd.String("internal-key"),
	})
	if err != nil {
		return err
	}

	audience := cmd.String("audience")
	if audience == "" {
		audience = cmd.String("bank-url")
	}

	cfg := authserver.Config{
		Issuer: cmd.String("issuer"),
		Key:    key,
		Clients: []authserver.Client{
			{
				ID:           cmd.String("client-id"),
				RedirectUris: cmd.StringSlice("client-redirect-uri"),
				JwksUri:      cmd.String("client-jwks-uri"),
			},
		},
		Consents:     consents,
		RequireNonce: cmd.Bool("require-nonce"),
		Audience:     audience,
		Logger:       logger,
	}

	if redisUrl := cmd.String("redis-url"); redisUrl != "" {
		opts, err := redis.ParseURL(redisUrl)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}

		rdb := redis.NewClient(opts)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not reach redis: %w", err)
		}

		cfg.Requests = authserver.NewRedisRequestStore(rdb, "")
	}

	s, err := authserver.New(cfg)
	if err != nil {
		return err
	}

	logger.Info("authorization server key", "kid", key.Kid)

	if err := s.Start(ctx, cmd.String("addr")); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
