// Package loader produces the tokenizer and model a run works on.
package loader

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
)

// ErrModelLoad marks failures to load a tokenizer or model. They are fatal
// and never retried.
var ErrModelLoad = errors.New("model load failed")

// Open returns the backend named by cfg's backend key.
func Open(cfg config.RunConfig) (llm.Backend, error) {
	name := cfg.String("backend")
	b, err := llm.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	return b, nil
}

// LoadTokenizer loads the tokenizer. It always runs before LoadModel, which
// sizes embeddings from it.
func LoadTokenizer(b llm.Backend, cfg config.RunConfig, log *slog.Logger) (llm.Tokenizer, error) {
	tok, err := b.LoadTokenizer(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenizer %s: %v", ErrModelLoad, cfg.String("tokenizer_config"), err)
	}
	log.Info("loaded tokenizer", "vocab", humanize.Comma(int64(tok.VocabSize())))
	return tok, nil
}

// LoadModel loads the model for tok. inference selects the generation
// oriented layout.
func LoadModel(b llm.Backend, cfg config.RunConfig, tok llm.Tokenizer, inference bool, log *slog.Logger) (llm.Model, *llm.AdapterConfig, error) {
	model, adapter, err := b.LoadModel(cfg, tok, inference)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: model %s: %v", ErrModelLoad, cfg.String("base_model"), err)
	}
	attrs := []any{"params", humanize.Comma(int64(model.NumParams())), "inference", inference}
	if adapter != nil {
		attrs = append(attrs, "adapter", adapter.Type, "r", adapter.R)
	}
	log.Info("loaded model", attrs...)
	return model, adapter, nil
}
