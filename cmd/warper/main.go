// warper is a terminal client for a Warper AI server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "warper",
		Usage:   "Chat with Warper AI agents from the terminal",
		Version: version,
		Before: func(*cli.Context) error {
			// WARPER_SERVER may come from a local .env.
			_ = godotenv.Load()
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Warper server `URL`",
				Value:   "http://localhost:8080",
				EnvVars: []string{"WARPER_SERVER"},
			},
			&cli.StringFlag{
				Name:  "session-id",
				Usage: "Session id sent with every request",
			},
		},
		Commands: []*cli.Command{
			agentsCommand(),
			chatCommand(),
			conversationsCommand(),
			imageCommand(),
			photoCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
