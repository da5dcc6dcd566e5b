package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Pipeline  PipelineConfig
	Search    SearchConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
	// IndexDir holds the vector index snapshot; empty means <DataDir>/index.
	IndexDir string
	// Uploads is a local directory or a gs://bucket/prefix URL; empty means
	// <DataDir>/uploads.
	Uploads string
}

type EngineConfig struct {
	Backend       string // "ollama" or "openai"
	OllamaBaseURL string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	EmbedModel    string
	ChatModel     string
	VisionModel   string
	Dimension     int
}

type PipelineConfig struct {
	ExtractTimeout  time.Duration
	EmbedTimeout    time.Duration
	ClassifyTimeout time.Duration
	MaxPDFPages     int
	MaxUploadBytes  int
	Labels          []string
}

type SearchConfig struct {
	// RerankModel is the chat model that rescores results; empty disables
	// reranking.
	RerankModel   string
	RerankTimeout time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

type RateLimitConfig struct {
	UploadMax     int
	UploadWindow  time.Duration
	SearchMax     int
	SearchWindow  time.Duration
	SweepInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			Backend:       BackendOllama,
			OllamaBaseURL: "http://localhost:11434",
			EmbedModel:    "all-minilm",
			ChatModel:     "llama3.2",
			VisionModel:   "llava",
			Dimension:     384,
		},
		Pipeline: PipelineConfig{
			ExtractTimeout:  2 * time.Minute,
			EmbedTimeout:    30 * time.Second,
			ClassifyTimeout: 30 * time.Second,
			MaxPDFPages:     500,
			MaxUploadBytes:  10 << 20,
		},
		Search: SearchConfig{
			RerankTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:  2,
			PollInterval: 500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			UploadMax:     10,
			UploadWindow:  60 * time.Second,
			SearchMax:     30,
			SearchWindow:  60 * time.Second,
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// IndexDir returns the configured index directory or its default.
func (c Config) IndexDir() string {
	if c.Storage.IndexDir != "" {
		return c.Storage.IndexDir
	}
	return filepath.Join(c.Storage.DataDir, "index")
}

// UploadLocation returns the configured upload location or its default.
func (c Config) UploadLocation() string {
	if c.Storage.Uploads != "" {
		return c.Storage.Uploads
	}
	return filepath.Join(c.Storage.DataDir, "uploads")
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/idp/config.yaml, then environment variables, then the
// secrets file for credentials still unset.
//
// Environment variables (IDP_*) override file values.
func Load() (Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path selects
// the default location.
func LoadFrom(path string) (Config, error) {
	if path == "" {
		path = ConfigFilePath()
	}
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Engine.OpenAIAPIKey == "" {
		if key, err := secrets.Get(secretService, "openai_api_key"); err == nil && key != "" {
			cfg.Engine.OpenAIAPIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Engine.Backend {
	case BackendOllama:
	case BackendOpenAI:
		if c.Engine.OpenAIAPIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key. " +
				"Set it via environment variable IDP_OPENAI_API_KEY or the secrets file " + secretsFilePath())
		}
	default:
		return fmt.Errorf("invalid engine.backend %q: want %q or %q", c.Engine.Backend, BackendOllama, BackendOpenAI)
	}
	if c.Engine.Dimension <= 0 {
		return fmt.Errorf("invalid engine.dimension %d", c.Engine.Dimension)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q: want text or json", c.Log.Format)
	}
	for _, s := range specs {
		if s.typ != kDuration {
			continue
		}
		if err := s.checkDuration(s.extract(c).(time.Duration)); err != nil {
			return err
		}
	}
	return nil
}
