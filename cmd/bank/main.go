package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/haileyok/fapi-oauth-golang/bank"
	"github.com/haileyok/fapi-oauth-golang/dpop"
	"github.com/haileyok/fapi-oauth-golang/events"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "fapi-bank",
		Usage:   "mock bank: consents, payments and a ledger behind DPoP bound tokens",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":9100",
				EnvVars: []string{"BANK_ADDR"},
			},
			&cli.StringFlag{
				Name:    "public-url",
				Value:   "http://localhost:9100",
				EnvVars: []string{"BANK_PUBLIC_URL"},
			},
			&cli.StringFlag{
				Name:    "issuer",
				Value:   "http://localhost:9000",
				EnvVars: []string{"BANK_ISSUER"},
			},
			&cli.StringFlag{
				Name:    "jwks-uri",
				Usage:   "authorization server keys, defaults to <issuer>/.well-known/jwks.json",
				EnvVars: []string{"BANK_JWKS_URI"},
			},
			&cli.StringFlag{
				Name:    "audience",
				Usage:   "required access token audience, defaults to the public url",
				EnvVars: []string{"BANK_AUDIENCE"},
			},
			&cli.StringFlag{
				Name:     "internal-key",
				Required: true,
				EnvVars:  []string{"INTERNAL_KEY"},
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./data/bank.db",
				EnvVars: []string{"BANK_DB_PATH"},
			},
			&cli.DurationFlag{
				Name:    "settlement-delay",
				Value:   bank.DefaultSettlementDelay,
				EnvVars: []string{"BANK_SETTLEMENT_DELAY"},
			},
			&cli.BoolFlag{
				Name:    "require-nonce",
				EnvVars: []string{"BANK_REQUIRE_NONCE"},
			},
			&cli.StringFlag{
				Name:    "mqtt-broker",
				Usage:   "publish consent and payment events to this broker, e.g. tcp://localhost:1883",
				EnvVars: []string{"BANK_MQTT_BROKER"},
			},
			&cli.StringFlag{
				Name:    "mqtt-topic-prefix",
				Value:   events.DefaultTopicPrefix,
				EnvVars: []string{"BANK_MQTT_TOPIC_PREFIX"},
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

	dbPath := cmd.String("db-path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return err
	}

	db, err := bank.OpenSqlite(dbPath)
	if err != nil {
		return err
	}

	if err := bank.SeedAccounts(ctx, db, bank.DefaultAccounts...); err != nil {
		return err
	}

	var sink events.Publisher = events.LogPublisher{Logger: logger}
	if broker := cmd.String("mqtt-broker"); broker != "" {
		mqttPub, err := events.NewMQTTPublisher(events.MQTTPublisherArgs{
			Broker:      broker,
			ClientId:    "fapi-bank",
			TopicPrefix: cmd.String("mqtt-topic-prefix"),
			QoS:         1,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer mqttPub.Close()

		sink = events.Multi{sink, mqttPub}
	}

	publisher := events.NewAsyncPublisher(events.AsyncPublisherArgs{
		Next:   sink,
		Logger: logger,
	})
	defer publisher.Close()

	jwksUri := cmd.String("jwks-uri")
	if jwksUri == "" {
		jwksUri = cmd.String("issuer") + "/.well-known/jwks.json"
	}

	audience := cmd.String("audience")
	if audience == "" {
		audience = cmd.String("public-url")
	}

	s, err := bank.New(bank.Config{
		PublicUrl:       cmd.String("public-url"),
		Issuer:          cmd.String("issuer"),
		Keys:            dpop.NewRemoteKeys(jwksUri, 5*time.Minute),
		Audience:        audience,
		InternalKey:     cmd.String("internal-key"),
		RequireNonce:    cmd.Bool("require-nonce"),
		DB:              db,
		Events:          publisher,
		SettlementDelay: cmd.Duration("settlement-delay"),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if err := s.Start(ctx, cmd.String("addr")); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
