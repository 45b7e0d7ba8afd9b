package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "FAPI Oauth Golang Helper",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runGenerateKey,
			runGenerateJwks,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateKey = &cli.Command{
	Name:  "generate-key",
	Usage: "create a P-256 signing key, or print the identifiers of an existing one",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "key-path",
			Required: true,
		},
	},
	Action: func(cmd *cli.Context) error {
		kp, err := oauth.LoadOrGenerateKey(cmd.String("key-path"))
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.App.Writer, "kid: %s\njkt: %s\n", kp.Kid, kp.Jkt)
		return nil
	},
}

var runGenerateJwks = &cli.Command{
	Name:  "generate-jwks",
	Usage: "write the public jwks for a key, generating the key if needed",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "key-path",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "output file, stdout when empty",
		},
	},
	Action: func(cmd *cli.Context) error {
		kp, err := oauth.LoadOrGenerateKey(cmd.String("key-path"))
		if err != nil {
			return err
		}

		jwks, err := oauth.CreateJwksResponseObject(kp)
		if err != nil {
			return err
		}

		b, err := json.Marshal(jwks)
		if err != nil {
			return err
		}

		out := cmd.String("out")
		if out == "" {
			_, err := fmt.Fprintln(cmd.App.Writer, string(b))
			return err
		}

		return os.WriteFile(out, b, 0644)
	},
}
