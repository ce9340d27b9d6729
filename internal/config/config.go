// Package config loads the engine's runtime configuration from the
// environment, optionally layered over a sibling config.yaml, following the
// corpus-wide convention of a single typed Config struct populated once at
// boot and passed down by dependency injection.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CommitGraphBackend selects which commitgraph.Graph implementation to
// construct.
type CommitGraphBackend string

const (
	BackendFilesystem CommitGraphBackend = "fs"
	BackendSQL        CommitGraphBackend = "sql"
)

// Config is the engine's fully resolved runtime configuration.
type Config struct {
	LLMProvider   string `yaml:"llm_provider"`
	LLMModel      string `yaml:"llm_model"`
	AnthropicKey  string `yaml:"-"` // never serialized; env-only
	OpenAIKey     string `yaml:"-"`
	LLMBaseURL    string `yaml:"llm_base_url"`

	DatabaseURL        string   `yaml:"database_url"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	TaskQueueWorkers int           `yaml:"task_queue_workers"`
	TaskQueueTimeout time.Duration `yaml:"task_queue_timeout"`

	VMSpecPath       string `yaml:"vm_spec_path"`
	PlanExamplesPath string `yaml:"plan_examples_path"`
	GeneratedFilesDir string `yaml:"generated_files_dir"`
	KnowledgeBaseURL string `yaml:"knowledge_base_url"`

	CommitGraphBackend CommitGraphBackend `yaml:"commit_graph_backend"`
	FSRepoRoot         string             `yaml:"fs_repo_root"`

	PlanCacheRefreshInterval time.Duration `yaml:"plan_cache_refresh_interval"`

	RedisURL string `yaml:"redis_url"`

	HTTPAddr string `yaml:"http_addr"`
}

// defaults mirrors a fresh Config before environment/file overrides apply.
func defaults() Config {
	return Config{
		LLMProvider:              "anthropic",
		LLMModel:                 "claude-sonnet-4-5",
		TaskQueueWorkers:         8,
		TaskQueueTimeout:         5 * time.Minute,
		VMSpecPath:               "vmspec.md",
		PlanExamplesPath:         "examples.md",
		GeneratedFilesDir:        "./generated",
		CommitGraphBackend:       BackendFilesystem,
		FSRepoRoot:               "./data/tasks",
		PlanCacheRefreshInterval: 24 * time.Hour,
		HTTPAddr:                 ":8080",
	}
}

// Load reads config.yaml (if present, next to the working directory) as a
// base layer, then applies environment variable overrides, matching the
// layered-config idiom seen across the pack.
func Load() (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile("config.yaml"); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse config.yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read config.yaml: %w", err)
	}

	applyEnv(&cfg)

	if cfg.LLMProvider == "anthropic" && cfg.AnthropicKey == "" {
		return nil, fmt.Errorf("config: ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
	}
	if cfg.LLMProvider == "openai" && cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("config: OPENAI_API_KEY is required when LLM_PROVIDER=openai")
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.LLMProvider, "LLM_PROVIDER")
	str(&cfg.LLMModel, "LLM_MODEL")
	str(&cfg.AnthropicKey, "ANTHROPIC_API_KEY")
	str(&cfg.OpenAIKey, "OPENAI_API_KEY")
	str(&cfg.LLMBaseURL, "LLM_BASE_URL")
	str(&cfg.DatabaseURL, "DATABASE_URL")
	if v, ok := os.LookupEnv("CORS_ALLOWED_ORIGINS"); ok {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	intVal(&cfg.TaskQueueWorkers, "TASK_QUEUE_WORKERS")
	durationVal(&cfg.TaskQueueTimeout, "TASK_QUEUE_TIMEOUT")
	str(&cfg.VMSpecPath, "VM_SPEC_PATH")
	str(&cfg.PlanExamplesPath, "PLAN_EXAMPLES_PATH")
	str(&cfg.GeneratedFilesDir, "GENERATED_FILES_DIR")
	str(&cfg.KnowledgeBaseURL, "KNOWLEDGE_BASE_URL")
	if v, ok := os.LookupEnv("COMMIT_GRAPH_BACKEND"); ok {
		cfg.CommitGraphBackend = CommitGraphBackend(v)
	}
	str(&cfg.FSRepoRoot, "FS_REPO_ROOT")
	durationVal(&cfg.PlanCacheRefreshInterval, "PLAN_CACHE_REFRESH_INTERVAL")
	str(&cfg.RedisURL, "REDIS_URL")
	str(&cfg.HTTPAddr, "HTTP_ADDR")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func intVal(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil {
		*dst = n
	}
}

func durationVal(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err == nil {
		*dst = d
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
