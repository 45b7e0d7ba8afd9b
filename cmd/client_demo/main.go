package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/websession"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "fapi-client-demo",
		Usage:   "third party provider demo: login, consent and payment over FAPI 2.0",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				EnvVars: []string{"CLIENT_DEMO_ADDR"},
			},
			&cli.StringFlag{
				Name:    "public-url",
				Value:   "http://localhost:8080",
				EnvVars: []string{"CLIENT_DEMO_PUBLIC_URL"},
			},
			&cli.StringFlag{
				Name:    "client-id",
				Value:   "tpp",
				EnvVars: []string{"CLIENT_DEMO_CLIENT_ID"},
			},
			&cli.StringFlag{
				Name:    "issuer",
				Value:   "http://localhost:9000",
				EnvVars: []string{"CLIENT_DEMO_ISSUER"},
			},
			&cli.StringFlag{
				Name:    "bank-url",
				Value:   "http://localhost:9100",
				EnvVars: []string{"CLIENT_DEMO_BANK_URL"},
			},
			&cli.StringFlag{
				Name:    "key-path",
				Value:   "./data/client_key.pem",
				EnvVars: []string{"CLIENT_DEMO_KEY_PATH"},
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./data/client_demo.db",
				EnvVars: []string{"CLIENT_DEMO_DB_PATH"},
			},
			&cli.StringFlag{
				Name:     "cookie-secret",
				Required: true,
				EnvVars:  []string{"CLIENT_DEMO_COOKIE_SECRET"},
			},
			&cli.BoolFlag{
				Name:    "allow-insecure",
				Usage:   "permit plain http authorization and resource servers",
				EnvVars: []string{"CLIENT_DEMO_ALLOW_INSECURE"},
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

	if err := os.MkdirAll(filepath.Dir(cmd.String("db-path")), 0o700); err != nil {
		return err
	}

	db, err := gorm.Open(sqlite.Open(cmd.String("db-path")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return err
	}

	s, err := NewDemoServer(DemoConfig{
		ClientId:      cmd.String("client-id"),
		PublicUrl:     cmd.String("public-url"),
		Issuer:        cmd.String("issuer"),
		BankUrl:       cmd.String("bank-url"),
		Key:           key,
		DB:            db,
		CookieSecret:  []byte(cmd.String("cookie-secret")),
		AllowInsecure: cmd.Bool("allow-insecure"),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if store, ok := s.sessions.Store().(*websession.GormStore); ok {
		go store.Run(ctx, time.Minute)
	}

	httpd := &http.Server{
		Addr:              cmd.String("addr"),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting client demo", "addr", httpd.Addr, "client_id", cmd.String("client-id"), "kid", key.Kid)
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
