package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var indexableExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".rst":      true,
	".log":      true,
}

const maxChunkBytes = 1200

// IndexDir walks root and indexes every plain-text document it finds,
// splitting files into paragraph-aligned chunks. Returns the number of
// chunks added.
func IndexDir(ctx context.Context, store *Store, root string) (int, error) {
	added := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !indexableExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		for seq, chunk := range ChunkText(string(data)) {
			if err := store.Add(ctx, uuid.NewString(), rel, seq, chunk); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("retrieval: index %s: %w", root, err)
	}
	return added, nil
}

// ChunkText splits a document on blank lines, merging paragraphs until a
// chunk would exceed the byte budget. Whitespace-only input yields nothing.
func ChunkText(text string) []string {
	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p) > maxChunkBytes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
		// A single oversized paragraph becomes its own chunk.
		if current.Len() > maxChunkBytes {
			flush()
		}
	}
	flush()
	return chunks
}
