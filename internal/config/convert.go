package config

import (
	"encoding/json"
	"fmt"

	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
)

// ToModels converts every configured model into its runtime form, keyed by
// name.
func (c *Config) ToModels() map[string]kilnmodel.Model {
	out := make(map[string]kilnmodel.Model, len(c.Models))
	for name, m := range c.Models {
		out[name] = kilnmodel.Model{
			Key:          name,
			Architecture: m.Architecture,
			Path:         m.Path,
			URL:          m.URL,
			LoraAdapters: m.LoraAdapters,
			GPU:          m.GPU,
			ContextLen:   m.ContextLen,
			Defaults:     m.Defaults,
		}
	}
	return out
}

// MaxIdleFor returns the configured per-model idle-session cap.
func (c *Config) MaxIdleFor(modelName string) int {
	if m, ok := c.Models[modelName]; ok && m.MaxIdle > 0 {
		return m.MaxIdle
	}
	return 2
}

// ToTasks converts every configured task into its runtime form. Biaser schema
// maps (parsed by yaml.v2 as nested map[interface{}]interface{}) are
// normalized before being re-marshaled to the JSON bytes
// biaser.NewJSONSchema expects.
func (c *Config) ToTasks() (map[string]kilnmodel.Task, error) {
	out := make(map[string]kilnmodel.Task, len(c.Tasks))
	for name, t := range c.Tasks {
		task := kilnmodel.Task{
			Name:          name,
			ModelKey:      t.Model,
			Prelude:       t.Prelude,
			Prefix:        t.Prefix,
			Postfix:       t.Postfix,
			StopSequences: t.StopSequences,
			PrivateTokens: t.PrivateTokens,
			MaxTokens:     t.MaxTokens,
			ContextBudget: t.ContextBudget,
			SamplerChain:  t.SamplerChain,
			CompactJSON:   t.CompactJSON,
			BiasPrompt:    t.BiasPrompt,
			MemoryKey:     t.Memory,
			RetrieveN:     t.RetrieveN,
		}
		if t.Biaser != nil {
			doc, err := json.Marshal(normalizeYAML(t.Biaser))
			if err != nil {
				return nil, kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "task %q: biaser schema: %v", name, err)
			}
			task.BiaserSchema = doc
		}
		out[name] = task
	}
	return out, nil
}

// ToMemories converts every configured memory into its runtime form.
func (c *Config) ToMemories() map[string]kilnmodel.Memory {
	out := make(map[string]kilnmodel.Memory, len(c.Memories))
	for name, m := range c.Memories {
		mem := kilnmodel.Memory{
			Name:              name,
			EmbeddingModelKey: m.EmbeddingModel,
			Dimensions:        m.Dimensions,
			IndexPath:         m.IndexPath,
			ExternalURL:       m.URL,
			Collection:        m.Collection,
			ChunkSeparators:   m.ChunkSeparators,
			ChunkMaxTokens:    m.ChunkMaxTokens,
		}
		switch m.Store {
		case "qdrant":
			mem.Store = kilnmodel.StoreQdrant
		case "postgres":
			mem.Store = kilnmodel.StorePostgres
		default:
			mem.Store = kilnmodel.StoreInProcess
		}
		out[name] = mem
	}
	return out
}

// normalizeYAML recursively converts the map[interface{}]interface{} shape
// gopkg.in/yaml.v2 produces for nested mappings into map[string]interface{}
// so the result can round-trip through encoding/json.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(vv)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = normalizeYAML(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = normalizeYAML(vv)
		}
		return out
	default:
		return val
	}
}
