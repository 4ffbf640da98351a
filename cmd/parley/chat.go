package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/calebwren/parley/internal/chat"
	"github.com/calebwren/parley/internal/engine"
	"github.com/calebwren/parley/internal/kv"
	"github.com/calebwren/parley/internal/logger"
	"github.com/calebwren/parley/internal/model"
	"github.com/calebwren/parley/internal/prompt"
	"github.com/calebwren/parley/internal/retrieval"
	"github.com/calebwren/parley/internal/tts"
)

func chatCmd() *cli.Command {
	var (
		historyPath string
		noHistory   bool
		incognito   bool
		streamMode  string
		showStats   bool
	)

	flags := commonModelFlags()
	flags = append(flags, samplingFlags()...)
	flags = append(flags, retrievalFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "history",
			Usage:       "history file path",
			Destination: &historyPath,
		},
		&cli.BoolFlag{
			Name:        "no-history",
			Usage:       "do not load or save the history file",
			Destination: &noHistory,
		},
		&cli.BoolFlag{
			Name:        "incognito",
			Usage:       "keep history in memory only",
			Destination: &incognito,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, smooth, quiet)",
			Value:       "instant",
			Destination: &streamMode,
		},
		&cli.StringFlag{
			Name:        "tts",
			Usage:       "speak replies via provider/voice (e.g. espeak/en)",
			Destination: &ttsSpec,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "print per-turn throughput",
			Destination: &showStats,
		},
	)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive chat with a local model",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyChatConfig(c, LoadConfig(), &streamMode)
			log := buildLogger()

			if historyPath == "" {
				historyPath = defaultHistoryPath()
			}
			if noHistory {
				historyPath = ""
			}
			session, cleanup, err := openSession(c, log, chatExtras{
				historyPath: historyPath,
				incognito:   incognito,
			})
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Fprintln(os.Stderr, "Interactive mode. Type /exit to quit, /reset to clear history.")
			writer := NewStreamWriter(ParseStreamMode(streamMode), os.Stdout)

			for {
				input, err := readInteractiveLine("> ")
				if err != nil {
					break
				}
				switch strings.TrimSpace(input) {
				case "":
					continue
				case "/exit":
					return nil
				case "/reset":
					if err := session.Reset(); err != nil {
						fmt.Fprintf(os.Stderr, "error: %v\n", err)
					} else {
						fmt.Fprintln(os.Stderr, "history cleared")
					}
					continue
				}

				turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
				res, err := session.SubmitTurn(turnCtx, input, writer.Write)
				stop()
				writer.Flush()
				fmt.Println()

				switch {
				case errors.Is(err, chat.ErrBusy):
					continue
				case err != nil:
					fmt.Fprintln(os.Stderr, "error:", err)
					continue
				case res.Reason == engine.FinishCancelled:
					fmt.Fprintln(os.Stderr, "[cancelled]")
				}
				if showStats {
					fmt.Fprintf(os.Stderr, "stats: %.2f tps (%d tokens in %s)\n",
						res.Stats.TPS, res.Stats.TokensGenerated, res.Stats.Duration)
				}
			}
			return nil
		},
	}
}

type chatExtras struct {
	historyPath string
	incognito   bool
}

// openSession loads the model and assembles a chat session from the shared
// flag state. The returned cleanup closes the session and the retriever.
func openSession(c *cli.Command, log logger.Logger, extras chatExtras) (*chat.Session, func(), error) {
	resolved, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
	}

	rt, vocab, err := model.Load(resolved)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
	}

	tmpl, err := prompt.ParseTemplate(templateName)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	shape := rt.NewCache()
	caches := kv.NewManager(shape.Layers(), shape.HeadDim())

	opts := []chat.Option{chat.WithLogger(log)}
	var retr retrieval.Retriever
	if ragPath != "" {
		// Nil embedder adopts whatever dimension the index was built with.
		store, err := retrieval.OpenStore(ragPath, nil, ragMinScore)
		if err != nil {
			log.Warn("retrieval disabled", "error", err)
		} else {
			retr = store
			opts = append(opts, chat.WithRetriever(store))
		}
	}
	if ttsSpec != "" {
		synth, err := tts.Parse(ttsSpec)
		if err != nil {
			return nil, nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		opts = append(opts, chat.WithSpeech(synth))
	}

	cfg := chat.Config{
		SystemPrompt: systemPrompt(),
		Template:     tmpl,
		Sampling:     samplingConfig(),
		MaxNewTokens: int(maxTokens),
		StopTokens:   []int{vocab.EOS()},
		RetrieveK:    int(retrieveK),
		HistoryPath:  extras.historyPath,
		Incognito:    extras.incognito,
	}
	session := chat.NewSession(cfg, rt, vocab, caches, vocab.BOS(), opts...)

	cleanup := func() {
		_ = session.Close()
		if retr != nil {
			_ = retr.Close()
		}
	}
	return session, cleanup, nil
}
