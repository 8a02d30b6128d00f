// Package kilnmodel holds the data types shared across the serving core:
// models, sessions, tasks, memories, chunks, and bias maps. None of these
// types carry behavior beyond small invariant-checking helpers; the
// subsystems in the other internal packages own the logic that operates on
// them.
package kilnmodel

import "math"

// RunnerParams carries the default inference parameters a model was loaded
// with. Tasks may override individual fields per request.
type RunnerParams struct {
	BatchSize           int     `yaml:"batch_size"`
	NumThread           int     `yaml:"num_threads"`
	RepeatPenaltyWindow int     `yaml:"repeat_penalty_window"`
	Temperature         float64 `yaml:"temperature"`
	TopP                float64 `yaml:"top_p"`
	TopK                int     `yaml:"top_k"`
}

// DefaultRunnerParams mirrors the conservative defaults used by local
// llama.cpp-style servers.
func DefaultRunnerParams() RunnerParams {
	return RunnerParams{
		BatchSize:           512,
		NumThread:           0,
		RepeatPenaltyWindow: 64,
		Temperature:         0.8,
		TopP:                0.9,
		TopK:                40,
	}
}

// Model is the immutable, loaded-once description of one local model.
type Model struct {
	Key          string
	Architecture string
	Path         string
	URL          string
	CacheDir     string
	LoraAdapters []string
	GPU          bool
	ContextLen   int
	Defaults     RunnerParams
}

// Task is a named generation recipe bound to a model.
type Task struct {
	Name string

	ModelKey string

	Prelude string
	Prefix  string
	Postfix string

	StopSequences []string
	PrivateTokens []string

	MaxTokens     int
	ContextBudget int

	SamplerChain string

	BiaserSchema []byte // raw JSON Schema, nil if unconstrained
	CompactJSON  bool   // suppress optional whitespace in the JSON biaser

	BiasPrompt string // non-empty enables two-phase generation

	MemoryKey string
	RetrieveN int
}

// TwoPhase reports whether the task uses the free-then-biased protocol.
func (t Task) TwoPhase() bool {
	return t.BiasPrompt != ""
}

// HasMemory reports whether the task has a memory binding configured.
func (t Task) HasMemory() bool {
	return t.MemoryKey != ""
}

// StoreKind identifies a memory's backing vector store.
type StoreKind int

const (
	// StoreInProcess is a file-backed HNSW-style index owned by the process.
	StoreInProcess StoreKind = iota
	// StoreQdrant is an external Qdrant collection.
	StoreQdrant
	// StorePostgres is an external pgvector-enabled Postgres table.
	StorePostgres
)

// Memory is a named vector store plus its embedding model and chunking
// policy.
type Memory struct {
	Name string

	EmbeddingModelKey string
	Dimensions        int

	Store       StoreKind
	IndexPath   string // StoreInProcess
	ExternalURL string // StoreQdrant / StorePostgres
	Collection  string

	ChunkSeparators []string
	ChunkMaxTokens  int
}

// Chunk is a stored text fragment with its embedding and a deterministic id.
type Chunk struct {
	ID               string
	SourceDocumentID string
	Text             string
	Embedding        []float32
}

// BiasMap is a sparse, ephemeral per-step mapping from token id to additive
// logit bias. math.Inf(-1) means the token is forbidden.
type BiasMap map[int32]float64

// Forbid marks a token id as inadmissible in this BiasMap.
func (b BiasMap) Forbid(tokenID int32) {
	b[tokenID] = math.Inf(-1)
}

// StopReason enumerates why a generation loop stopped.
type StopReason string

const (
	StopEndOfText    StopReason = "EndOfText"
	StopStopSequence StopReason = "StopSequence"
	StopMaxTokens    StopReason = "MaxTokens"
	StopContextFull  StopReason = "ContextFull"
	StopCancelled    StopReason = "Cancelled"
	StopTimeout      StopReason = "Timeout"
	StopBiaserStuck  StopReason = "BiaserStuck"
)

// RequestKind is the kind of request the task runner executes.
type RequestKind string

const (
	RequestCompletion RequestKind = "Completion"
	RequestStream     RequestKind = "Stream"
	RequestChat       RequestKind = "Chat"
	RequestEmbedding  RequestKind = "Embedding"
)

// Overrides carries per-request overrides of task defaults. The Has flags
// distinguish "explicitly zero" from "not supplied" and are set by the
// transport after decoding, never by clients directly.
type Overrides struct {
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Sampler        string  `json:"sampler,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	HasMaxTokens   bool    `json:"-"`
	HasTemperature bool    `json:"-"`
}

// TaskStats is the façade's cumulative reporting: request and token
// counters, a stop-reason histogram, and the pool's current admission
// state.
type TaskStats struct {
	Requests     int64                `json:"requests"`
	TokensOut    int64                `json:"tokens_out"`
	StopReasons  map[StopReason]int64 `json:"stop_reasons"`
	HeldPermits  int                  `json:"held_permits"`
	LiveSessions map[string]int       `json:"live_sessions"`
}

// NewTaskStats returns a zero-valued TaskStats with its maps initialized.
func NewTaskStats() TaskStats {
	return TaskStats{
		StopReasons:  make(map[StopReason]int64),
		LiveSessions: make(map[string]int),
	}
}
