package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/calebwren/parley/internal/retrieval"
)

func indexCmd() *cli.Command {
	var dim int64

	flags := retrievalFlags()
	flags = append(flags, loggingFlags()...)
	flags = append(flags, &cli.Int64Flag{
		Name:        "dim",
		Usage:       "embedding dimension",
		Value:       256,
		Destination: &dim,
	})

	return &cli.Command{
		Name:      "index",
		Usage:     "Index a directory of documents for retrieval",
		ArgsUsage: "<docs-dir>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyChatConfig(c, LoadConfig(), nil)
			log := buildLogger()

			root := c.Args().First()
			if root == "" {
				return cli.Exit("error: a documents directory is required", 1)
			}
			if ragPath == "" {
				dir, err := os.UserConfigDir()
				if err != nil {
					return cli.Exit("error: --rag is required", 1)
				}
				ragPath = filepath.Join(dir, "parley", "index.db")
			}
			if err := os.MkdirAll(filepath.Dir(ragPath), 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			store, err := retrieval.OpenStore(ragPath, retrieval.NewHashEmbedder(int(dim)), ragMinScore)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open index: %v", err), 1)
			}
			defer func() { _ = store.Close() }()

			n, err := retrieval.IndexDir(ctx, store, root)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: index %s: %v", root, err), 1)
			}
			log.Info("indexed documents", "chunks", n, "path", ragPath)
			fmt.Printf("indexed %d chunks into %s\n", n, ragPath)
			return nil
		},
	}
}
