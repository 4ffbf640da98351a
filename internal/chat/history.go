package chat

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/calebwren/parley/internal/prompt"
)

// historyFile is the persisted conversation format.
type historyFile struct {
	Version int           `json:"version"`
	Turns   []prompt.Turn `json:"turns"`
}

const historyVersion = 1

func loadHistory(path string) ([]prompt.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f historyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("chat: parse history %s: %w", path, err)
	}
	if f.Version != historyVersion {
		return nil, fmt.Errorf("chat: history %s has version %d, want %d", path, f.Version, historyVersion)
	}
	return f.Turns, nil
}

// saveHistory writes turns atomically via a sibling temp file.
func saveHistory(path string, turns []prompt.Turn) error {
	data, err := json.MarshalIndent(historyFile{Version: historyVersion, Turns: turns}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
