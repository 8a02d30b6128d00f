package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/kilnmodel"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
models:
  llama:
    path: llama.bin
tasks:
  chat:
    model: llama
`))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8089", cfg.BindAddress)
	require.Equal(t, 1, cfg.MaxConcurrent)
	require.Equal(t, 4096, cfg.Models["llama"].ContextLen)
	require.Equal(t, 512, cfg.Tasks["chat"].MaxTokens)
}

func TestLoadRejectsUnknownModelReference(t *testing.T) {
	_, err := Load(writeConfig(t, `
models:
  llama:
    path: llama.bin
tasks:
  chat:
    model: missing
`))
	require.Error(t, err)
}

func TestLoadRejectsUnknownMemoryReference(t *testing.T) {
	_, err := Load(writeConfig(t, `
models:
  llama:
    path: llama.bin
tasks:
  chat:
    model: llama
    memory: missing
`))
	require.Error(t, err)
}

func TestLoadRejectsTraversalName(t *testing.T) {
	_, err := Load(writeConfig(t, `
models:
  ../escape:
    path: llama.bin
`))
	require.Error(t, err)
}

func TestLoadResolvesRelativeModelPaths(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
data_path: /srv/kiln
models:
  rel:
    path: models/rel.bin
  abs:
    path: /models/abs.bin
`))
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/srv/kiln", "models/rel.bin"), cfg.Models["rel"].Path)
	require.Equal(t, "/models/abs.bin", cfg.Models["abs"].Path)
}

func TestToTasksMarshalsBiaserSchema(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
models:
  llama:
    path: llama.bin
tasks:
  truefalse:
    model: llama
    bias_prompt: "Answer:"
    biaser:
      type: boolean
`))
	require.NoError(t, err)

	tasks, err := cfg.ToTasks()
	require.NoError(t, err)
	task := tasks["truefalse"]
	require.True(t, task.TwoPhase())
	require.JSONEq(t, `{"type":"boolean"}`, string(task.BiaserSchema))
}

func TestToMemoriesMapsStoreKinds(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
models:
  embed:
    path: embed.bin
memories:
  local:
    embedding_model: embed
    dimensions: 32
    index_path: /var/kiln/local
  remote:
    embedding_model: embed
    dimensions: 32
    store: qdrant
    url: http://localhost:6334
    collection: remote
`))
	require.NoError(t, err)

	mems := cfg.ToMemories()
	require.Equal(t, kilnmodel.StoreInProcess, mems["local"].Store)
	require.Equal(t, kilnmodel.StoreQdrant, mems["remote"].Store)
}
