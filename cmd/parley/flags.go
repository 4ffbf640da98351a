package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/calebwren/parley/internal/logger"
	"github.com/calebwren/parley/internal/logits"
)

var (
	modelPath  string
	modelsPath string

	system       string
	templateName string

	temp          float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	maxTokens     int64

	ragPath     string
	retrieveK   int64
	ragMinScore float64

	ttsSpec string

	logLevel  string
	logFormat string
	debug     bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model spec file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory containing model spec files",
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "template",
			Usage:       "chat template (chatml, imessenger)",
			Value:       "chatml",
			Destination: &templateName,
		},
	}
}

// defaultSystemPrompt seeds the conversation when neither the flag nor
// the config file supplies one.
const defaultSystemPrompt = `You are a professional interactive AI assistant.
Your job is to answer any queries and perform any actions required of you to the best of your ability.
You may optionally be provided with additional context which must be incorporated into your answer.
Your answers must be concise and correct.`

// systemPrompt resolves the effective system prompt after flag and
// config precedence has been applied.
func systemPrompt() string {
	if system != "" {
		return system
	}
	return defaultSystemPrompt
}

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "system prompt",
			Destination: &system,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.7,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "top-k sampling parameter",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "top-p sampling parameter",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Aliases:     []string{"min_p", "minp"},
			Usage:       "min-p sampling parameter (0 = disabled)",
			Value:       0.05,
			Destination: &minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1.1,
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = random)",
			Value:       -1,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n", "steps"},
			Usage:       "max tokens per reply (default -1 = context bound)",
			Value:       -1,
			Destination: &maxTokens,
		},
	}
}

func retrievalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "rag",
			Usage:       "path to the retrieval index (empty = disabled)",
			Destination: &ragPath,
		},
		&cli.Int64Flag{
			Name:        "rag-k",
			Usage:       "passages injected per turn",
			Value:       3,
			Destination: &retrieveK,
		},
		&cli.Float64Flag{
			Name:        "rag-min-score",
			Usage:       "minimum cosine similarity for a passage",
			Value:       0.1,
			Destination: &ragMinScore,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "warn",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Pretty(os.Stderr, level)
}

func samplingConfig() logits.Config {
	s := seed
	if s == -1 {
		s = time.Now().UnixNano()
	}
	return logits.Config{
		Seed:          s,
		Temperature:   float32(temp),
		TopK:          int(topK),
		TopP:          float32(topP),
		MinP:          float32(minP),
		RepeatPenalty: float32(repeatPenalty),
		RepeatLastN:   int(repeatLastN),
	}
}
