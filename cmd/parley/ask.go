package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/calebwren/parley/internal/engine"
)

func askCmd() *cli.Command {
	var promptText string

	flags := commonModelFlags()
	flags = append(flags, samplingFlags()...)
	flags = append(flags, retrievalFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags, &cli.StringFlag{
		Name:        "prompt",
		Aliases:     []string{"p"},
		Usage:       "prompt text (also accepted as the first argument)",
		Destination: &promptText,
	})

	return &cli.Command{
		Name:      "ask",
		Usage:     "One-shot question, no saved history",
		ArgsUsage: "[prompt]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyChatConfig(c, LoadConfig(), nil)
			log := buildLogger()

			if promptText == "" {
				promptText = c.Args().First()
			}
			if promptText == "" {
				return cli.Exit("error: a prompt is required", 1)
			}

			session, cleanup, err := openSession(c, log, chatExtras{incognito: true})
			if err != nil {
				return err
			}
			defer cleanup()

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			res, err := session.SubmitTurn(runCtx, promptText, func(fragment string) {
				fmt.Print(fragment)
			})
			fmt.Println()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if res.Reason == engine.FinishCancelled {
				return cli.Exit("cancelled", 1)
			}
			return nil
		},
	}
}
