package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// positive rejects a zero duration. Negative durations are always invalid.
	positive bool
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "IDP_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "IDP_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.index_dir", typ: kString, env: "IDP_STORAGE_INDEX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.IndexDir = v.(string) },
		extract: func(cfg Config) any { return cfg.IndexDir() },
	},
	{
		key: "storage.uploads", typ: kString, env: "IDP_STORAGE_UPLOADS",
		apply:   func(cfg *Config, v any) { cfg.Storage.Uploads = v.(string) },
		extract: func(cfg Config) any { return cfg.UploadLocation() },
	},
	{
		key: "engine.backend", typ: kString, env: "IDP_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "engine.ollama_base_url", typ: kString, env: "IDP_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OllamaBaseURL },
	},
	{
		key: "engine.openai_base_url", typ: kString, env: "IDP_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenAIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenAIBaseURL },
	},
	{
		key: "engine.openai_api_key", typ: kString, env: "IDP_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenAIAPIKey },
	},
	{
		key: "engine.embed_model", typ: kString, env: "IDP_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EmbedModel },
	},
	{
		key: "engine.chat_model", typ: kString, env: "IDP_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ChatModel },
	},
	{
		key: "engine.vision_model", typ: kString, env: "IDP_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.VisionModel },
	},
	{
		key: "engine.dimension", typ: kInt, env: "IDP_ENGINE_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Engine.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.Dimension },
	},
	{
		key: "pipeline.extract_timeout", typ: kDuration, env: "IDP_PIPELINE_EXTRACT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ExtractTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ExtractTimeout },
	},
	{
		key: "pipeline.embed_timeout", typ: kDuration, env: "IDP_PIPELINE_EMBED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.EmbedTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.EmbedTimeout },
	},
	{
		key: "pipeline.classify_timeout", typ: kDuration, env: "IDP_PIPELINE_CLASSIFY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ClassifyTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ClassifyTimeout },
	},
	{
		key: "pipeline.max_pdf_pages", typ: kInt, env: "IDP_PIPELINE_MAX_PDF_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxPDFPages = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxPDFPages },
	},
	{
		key: "pipeline.max_upload_bytes", typ: kInt, env: "IDP_PIPELINE_MAX_UPLOAD_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxUploadBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxUploadBytes },
	},
	{
		key: "pipeline.labels", typ: kString, env: "IDP_PIPELINE_LABELS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Labels = splitList(v.(string)) },
		extract: func(cfg Config) any { return strings.Join(cfg.Pipeline.Labels, ",") },
	},
	{
		key: "search.rerank_model", typ: kString, env: "IDP_SEARCH_RERANK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Search.RerankModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.RerankModel },
	},
	{
		key: "search.rerank_timeout", typ: kDuration, env: "IDP_SEARCH_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Search.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.RerankTimeout },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "IDP_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "IDP_WORKER_POLL_INTERVAL", positive: true,
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "ratelimit.upload_max", typ: kInt, env: "IDP_RATELIMIT_UPLOAD_MAX",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.UploadMax = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.UploadMax },
	},
	{
		key: "ratelimit.upload_window", typ: kDuration, env: "IDP_RATELIMIT_UPLOAD_WINDOW", positive: true,
		apply:   func(cfg *Config, v any) { cfg.RateLimit.UploadWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.UploadWindow },
	},
	{
		key: "ratelimit.search_max", typ: kInt, env: "IDP_RATELIMIT_SEARCH_MAX",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.SearchMax = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.SearchMax },
	},
	{
		key: "ratelimit.search_window", typ: kDuration, env: "IDP_RATELIMIT_SEARCH_WINDOW", positive: true,
		apply:   func(cfg *Config, v any) { cfg.RateLimit.SearchWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.SearchWindow },
	},
	{
		key: "ratelimit.sweep_interval", typ: kDuration, env: "IDP_RATELIMIT_SWEEP_INTERVAL", positive: true,
		apply:   func(cfg *Config, v any) { cfg.RateLimit.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.SweepInterval },
	},
	{
		key: "log.level", typ: kString, env: "IDP_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "IDP_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// checkDuration reports whether d is acceptable for s.
func (s keySpec) checkDuration(d time.Duration) error {
	switch {
	case d < 0:
		return fmt.Errorf("invalid %s %s: must not be negative", s.key, d)
	case d == 0 && s.positive:
		return fmt.Errorf("invalid %s %s: must be positive", s.key, d)
	}
	return nil
}
