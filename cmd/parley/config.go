package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the parley configuration file (~/.config/parley/config.yaml).
// Sampling fields are pointers so "not set" is distinguishable from zero.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Template  string `yaml:"template"`
	System    string `yaml:"system"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int64   `yaml:"repeat_last_n"`
	Seed          *int64   `yaml:"seed"`
	MaxTokens     *int64   `yaml:"max_tokens"`

	// Retrieval
	RagPath     string   `yaml:"rag_path"`
	RagK        *int64   `yaml:"rag_k"`
	RagMinScore *float64 `yaml:"rag_min_score"`

	// Speech
	TTS string `yaml:"tts"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string  `yaml:"server_address"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "parley", "config.yaml")
}

func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "parley", "history.json")
}

// applyChatConfig applies config file defaults to chat and ask command
// variables when the corresponding CLI flag was not explicitly set.
func applyChatConfig(c *cli.Command, cfg Config, streamMode *string) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Template != "" && !c.IsSet("template") {
		templateName = cfg.Template
	}
	if cfg.System != "" && !c.IsSet("system") {
		system = cfg.System
	}
	if cfg.Temperature != nil && !c.IsSet("temp") && !c.IsSet("temperature") && !c.IsSet("t") {
		temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") && !c.IsSet("top_k") && !c.IsSet("topk") {
		topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") && !c.IsSet("top_p") && !c.IsSet("topp") {
		topP = *cfg.TopP
	}
	if cfg.MinP != nil && !c.IsSet("min-p") && !c.IsSet("min_p") && !c.IsSet("minp") {
		minP = *cfg.MinP
	}
	if cfg.RepeatPenalty != nil && !c.IsSet("repeat-penalty") && !c.IsSet("repeat_penalty") {
		repeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.RepeatLastN != nil && !c.IsSet("repeat-last-n") && !c.IsSet("repeat_last_n") {
		repeatLastN = *cfg.RepeatLastN
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") && !c.IsSet("n") && !c.IsSet("steps") {
		maxTokens = *cfg.MaxTokens
	}
	if cfg.RagPath != "" && !c.IsSet("rag") {
		ragPath = cfg.RagPath
	}
	if cfg.RagK != nil && !c.IsSet("rag-k") {
		retrieveK = *cfg.RagK
	}
	if cfg.RagMinScore != nil && !c.IsSet("rag-min-score") {
		ragMinScore = *cfg.RagMinScore
	}
	if cfg.TTS != "" && !c.IsSet("tts") {
		ttsSpec = cfg.TTS
	}
	if cfg.StreamMode != "" && streamMode != nil && !c.IsSet("stream-mode") {
		*streamMode = cfg.StreamMode
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rate *float64) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Template != "" && !c.IsSet("template") {
		templateName = cfg.Template
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RatePerSec > 0 && !c.IsSet("rate") {
		*rate = cfg.RatePerSec
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// does not exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
