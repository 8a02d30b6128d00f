// Package config loads the single declarative YAML document the server is
// started from: bind address, admission limit, allowed origins/keys,
// optional auth, and the models/tasks/memories maps whose keys become the
// names the façade resolves at call time. Cross-references are validated
// once here so the rest of the core can assume they hold.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v2"

	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
	"kiln/internal/telemetry"
	"kiln/internal/util"
	"kiln/internal/validation"
)

// JWTConfig is the optional `jwt_private_key = {symmetric = "..."}` section.
type JWTConfig struct {
	Symmetric string `yaml:"symmetric"`
}

// ModelConfig is one entry of the `models` map.
type ModelConfig struct {
	Architecture string                 `yaml:"architecture"`
	Path         string                 `yaml:"path"`
	URL          string                 `yaml:"url,omitempty"`
	LoraAdapters []string               `yaml:"lora_adapters,omitempty"`
	GPU          bool                   `yaml:"gpu,omitempty"`
	ContextLen   int                    `yaml:"context_len"`
	Defaults     kilnmodel.RunnerParams `yaml:"defaults,omitempty"`
	MaxIdle      int                    `yaml:"max_idle_sessions,omitempty"`
}

// TaskConfig is one entry of the `tasks` map.
type TaskConfig struct {
	Model string `yaml:"model"`

	Prelude string `yaml:"prelude,omitempty"`
	Prefix  string `yaml:"prefix,omitempty"`
	Postfix string `yaml:"postfix,omitempty"`

	StopSequences []string `yaml:"stop_sequences,omitempty"`
	PrivateTokens []string `yaml:"private_tokens,omitempty"`

	MaxTokens     int `yaml:"max_tokens,omitempty"`
	ContextBudget int `yaml:"context_budget,omitempty"`

	SamplerChain string `yaml:"sampler_chain,omitempty"`

	Biaser      map[string]interface{} `yaml:"biaser,omitempty"`
	CompactJSON bool                   `yaml:"compact_json,omitempty"`
	BiasPrompt  string                 `yaml:"bias_prompt,omitempty"`

	Memory    string `yaml:"memory,omitempty"`
	RetrieveN int    `yaml:"retrieve_n,omitempty"`
}

// MemoryConfig is one entry of the `memories` map.
type MemoryConfig struct {
	EmbeddingModel string `yaml:"embedding_model"`
	Dimensions     int    `yaml:"dimensions"`

	Store      string `yaml:"store"` // "in_process" | "qdrant" | "postgres"
	IndexPath  string `yaml:"index_path,omitempty"`
	URL        string `yaml:"url,omitempty"`
	Collection string `yaml:"collection,omitempty"`

	ChunkSeparators []string `yaml:"chunk_separators,omitempty"`
	ChunkMaxTokens  int      `yaml:"chunk_max_tokens,omitempty"`
}

// Config is the top-level configuration document.
type Config struct {
	BindAddress    string           `yaml:"bind_address"`
	MaxConcurrent  int              `yaml:"max_concurrent"`
	AllowedOrigins []string         `yaml:"allowed_origins,omitempty"`
	AllowedKeys    []string         `yaml:"allowed_keys,omitempty"`
	Public         bool             `yaml:"public,omitempty"`
	JWTPrivateKey  *JWTConfig       `yaml:"jwt_private_key,omitempty"`
	DataPath       string           `yaml:"data_path,omitempty"`
	Observability  telemetry.Config `yaml:"observability,omitempty"`

	Models   map[string]ModelConfig  `yaml:"models"`
	Tasks    map[string]TaskConfig   `yaml:"tasks"`
	Memories map[string]MemoryConfig `yaml:"memories,omitempty"`
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		pterm.Error.Printf("reading config file: %v\n", err)
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		pterm.Error.Printf("parsing config file: %v\n", err)
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	resolveModelPaths(&cfg)

	if err := validate(&cfg); err != nil {
		pterm.Error.Printf("invalid configuration: %v\n", err)
		return nil, err
	}

	pterm.Success.Printf("loaded %d model(s), %d task(s), %d memory/memories\n", len(cfg.Models), len(cfg.Tasks), len(cfg.Memories))
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:8089"
		pterm.Info.Println("no bind_address given, defaulting to 127.0.0.1:8089")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
		pterm.Info.Println("no max_concurrent given, defaulting to 1")
	}
	for name, m := range cfg.Models {
		if m.ContextLen <= 0 {
			m.ContextLen = 4096
			pterm.Info.Printf("model %q has no context_len, defaulting to 4096\n", name)
		}
		if m.MaxIdle <= 0 {
			m.MaxIdle = 2
		}
		if m.Defaults == (kilnmodel.RunnerParams{}) {
			m.Defaults = kilnmodel.DefaultRunnerParams()
		}
		cfg.Models[name] = m
	}
	for name, t := range cfg.Tasks {
		if t.MaxTokens <= 0 {
			t.MaxTokens = 512
		}
		if t.RetrieveN <= 0 && t.Memory != "" {
			t.RetrieveN = 3
		}
		cfg.Tasks[name] = t
	}
	for name, m := range cfg.Memories {
		if m.ChunkMaxTokens <= 0 {
			m.ChunkMaxTokens = 256
		}
		cfg.Memories[name] = m
	}
}

// resolveModelPaths honors absolute paths as-is and resolves relative ones
// against data_path.
func resolveModelPaths(cfg *Config) {
	if cfg.DataPath == "" {
		return
	}
	for name, m := range cfg.Models {
		if m.Path != "" && !filepath.IsAbs(m.Path) {
			m.Path = filepath.Join(cfg.DataPath, m.Path)
			cfg.Models[name] = m
		}
	}
}

// validate enforces the cross-reference invariant: no task or memory may
// refer to a model that is not defined, and no task may refer to an
// undefined memory.
func validate(cfg *Config) error {
	// Names become cache-directory and index-file path segments.
	for name := range cfg.Models {
		if _, err := validation.Name(name); err != nil {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "model name %q: %v", name, err)
		}
	}
	for name := range cfg.Tasks {
		if _, err := validation.Name(name); err != nil {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "task name %q: %v", name, err)
		}
	}
	for name := range cfg.Memories {
		if _, err := validation.Name(name); err != nil {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "memory name %q: %v", name, err)
		}
	}
	for name, t := range cfg.Tasks {
		if t.Model == "" {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "task %q: missing model", name)
		}
		model, ok := cfg.Models[t.Model]
		if !ok {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "task %q: unknown model %q", name, t.Model)
		}
		if t.Memory != "" {
			if _, ok := cfg.Memories[t.Memory]; !ok {
				return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "task %q: unknown memory %q", name, t.Memory)
			}
		}
		warnIfOverheadExceedsContext(name, t, model)
	}
	for name, m := range cfg.Memories {
		if m.EmbeddingModel == "" {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "memory %q: missing embedding_model", name)
		}
		model, ok := cfg.Models[m.EmbeddingModel]
		if !ok {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "memory %q: unknown embedding model %q", name, m.EmbeddingModel)
		}
		if m.Dimensions <= 0 {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "memory %q: dimensions must be positive", name)
		}
		_ = model
		switch m.Store {
		case "", "in_process":
			if m.IndexPath == "" {
				return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "memory %q: in_process store requires index_path", name)
			}
		case "qdrant", "postgres":
			if m.URL == "" {
				return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "memory %q: %s store requires url", name, m.Store)
			}
		default:
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "memory %q: unknown store kind %q", name, m.Store)
		}
	}
	return nil
}

// warnIfOverheadExceedsContext gives a load-time heads-up, using util's
// rough whitespace/punctuation token estimate (not the model's real
// tokenizer, which isn't loaded yet at config time) when a task's own fixed
// prompt text already looks too large for its model's context window.
func warnIfOverheadExceedsContext(name string, t TaskConfig, model ModelConfig) {
	if model.ContextLen <= 0 {
		return
	}
	overhead := util.EstimateTokens(t.Prelude) + util.EstimateTokens(t.Prefix) + util.EstimateTokens(t.Postfix)
	if overhead+t.MaxTokens > model.ContextLen {
		pterm.Warning.Printf("task %q: estimated prompt overhead (~%d tokens) plus max_tokens (%d) may exceed model context_len (%d)\n",
			name, overhead, t.MaxTokens, model.ContextLen)
	}
}
