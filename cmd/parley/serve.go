package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/calebwren/parley/internal/api"
	"github.com/calebwren/parley/internal/model"
	"github.com/calebwren/parley/internal/prompt"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		ratePerSec  float64
		burst       int64
		readTimeout time.Duration
	)

	flags := commonModelFlags()
	flags = append(flags, samplingFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.Float64Flag{
			Name:        "rate",
			Usage:       "completion requests per second (0 = unlimited)",
			Destination: &ratePerSec,
		},
		&cli.Int64Flag{
			Name:        "burst",
			Usage:       "rate limiter burst size",
			Value:       4,
			Destination: &burst,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve an OpenAI-compatible chat completions API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyServeConfig(c, LoadConfig(), &addr, &ratePerSec)
			log := buildLogger()

			resolved, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			rt, vocab, err := model.Load(resolved)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			tmpl, err := prompt.ParseTemplate(templateName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			sampling := samplingConfig()
			completer := api.NewLocal(rt, vocab, tmpl, vocab.BOS(), api.Defaults{
				Sampling:     sampling,
				MaxNewTokens: int(maxTokens),
				StopTokens:   []int{vocab.EOS()},
			})

			server := api.NewServer(completer, api.Config{
				RatePerSec: ratePerSec,
				Burst:      int(burst),
			}, log)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "model", resolved)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
