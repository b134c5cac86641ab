// Package llm defines the contracts between the run orchestrator and the
// components that own tokenization, model weights, datasets and the numeric
// training loop. The orchestrator only ever talks to these interfaces.
package llm

import (
	"context"

	"github.com/hochfrequenz/ftrun/internal/config"
)

// Format selects how model weights are serialized.
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatNative      Format = "native"
)

// FormatFor returns the serialization format cfg asks for.
func FormatFor(cfg config.RunConfig) Format {
	if cfg.Bool("save_safetensors") {
		return FormatSafetensors
	}
	return FormatNative
}

// DType is the element type model weights are held in.
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
)

// IgnoreIndex marks label positions excluded from the loss.
const IgnoreIndex = -100

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	// AddSpecialTokens binds role names (bos_token, eos_token, unk_token,
	// pad_token or any other) to symbols and returns how many new tokens
	// entered the vocabulary.
	AddSpecialTokens(tokens map[string]string) int
	Encode(text string) []int
	Decode(ids []int) string
	Save(dir string) error
	VocabSize() int
	BOS() int
	EOS() int
	Pad() int
}

// SamplingConfig carries generation hyperparameters.
type SamplingConfig struct {
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	DoSample          bool
	UseCache          bool
	BOS               int
	EOS               int
	Pad               int
	Seed              int64
}

// Streamer receives token ids as generation produces them.
type Streamer interface {
	Put(ids []int)
	End()
}

// Model is a loaded set of weights, optionally with an attached adapter.
type Model interface {
	// Generate continues inputIDs and returns the full sequence. The prompt
	// and then each sampled token are pushed to streamer when it is non-nil.
	Generate(ctx context.Context, inputIDs []int, sc SamplingConfig, streamer Streamer) ([]int, error)
	To(device string) error
	Eval()
	Train()
	// MergeAndUnload folds the adapter into the base weights and returns the
	// resulting dense model. The adapter is gone afterwards.
	MergeAndUnload() (Model, error)
	ToDType(dtype DType) error
	Save(dir string, format Format) error
	// SetUseCache toggles the inference-time key/value cache.
	SetUseCache(enabled bool)
	NumParams() int
}

// Transformable is implemented by models that support reversible,
// performance-oriented layout transforms. A transform applied at load time
// must be reversed before the weights are serialized.
type Transformable interface {
	ApplyTransform(name string) error
	ReverseTransforms() error
	AppliedTransforms() []string
}

// ReverseTransforms undoes every reversible transform on m. Models without
// transform support are left untouched.
func ReverseTransforms(m Model) error {
	if t, ok := m.(Transformable); ok {
		return t.ReverseTransforms()
	}
	return nil
}

// Example is one tokenized training row.
type Example struct {
	InputIDs []int `json:"input_ids"`
	Labels   []int `json:"labels"`
}

// DatasetBundle is the output of dataset preparation.
type DatasetBundle struct {
	Train      []Example `json:"train"`
	Eval       []Example `json:"eval"`
	TotalSteps int       `json:"total_steps"`
}

// Trainer owns the numeric training loop.
type Trainer interface {
	// Train blocks until training finishes or ctx is cancelled. resumeFrom is
	// a checkpoint directory or "".
	Train(ctx context.Context, resumeFrom string) error
	// SaveModel writes the trainer's model to dir, coordinating across ranks.
	SaveModel(dir string) error
}

// Backend produces the collaborators for one model implementation.
type Backend interface {
	LoadTokenizer(cfg config.RunConfig) (Tokenizer, error)
	// LoadModel loads the model named by cfg. With inference set the adapter
	// is attached for generation only. The returned adapter config is nil when
	// no adapter is configured.
	LoadModel(cfg config.RunConfig, tok Tokenizer, inference bool) (Model, *AdapterConfig, error)
	PrepareDataset(ctx context.Context, cfg config.RunConfig, tok Tokenizer) (*DatasetBundle, error)
	NewTrainer(cfg config.RunConfig, in TrainerInput) (Trainer, error)
}

// TrainerInput is everything a trainer is built from.
type TrainerInput struct {
	Model     Model
	Tokenizer Tokenizer
	Dataset   *DatasetBundle
}

// Artifacts groups what the loader produced.
type Artifacts struct {
	Tokenizer Tokenizer
	Model     Model
	Adapter   *AdapterConfig
}
