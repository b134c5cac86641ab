// Package builtin is a small in-process GPT backend. It implements the llm
// contracts end to end so every run mode works without external tooling.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
	"github.com/hochfrequenz/ftrun/internal/logging"
	"github.com/hochfrequenz/ftrun/internal/prompts"
)

// Name is the backend name used in run configs.
const Name = "builtin"

func init() {
	llm.Register(Name, func() llm.Backend { return New(nil, nil) })
}

// Backend implements llm.Backend.
type Backend struct {
	log     *slog.Logger
	prompts *prompts.Loader
}

var _ llm.Backend = (*Backend)(nil)

// New returns a backend. Nil arguments select the component logger and the
// default prompt overrides.
func New(log *slog.Logger, loader *prompts.Loader) *Backend {
	if log == nil {
		log = logging.New("builtin")
	}
	if loader == nil {
		wd, _ := os.Getwd()
		loader = prompts.DefaultLoader(wd)
	}
	return &Backend{log: log, prompts: loader}
}

// LoadTokenizer loads a saved tokenizer from tokenizer_config when it holds
// one, otherwise builds one of tokenizer_type. Configured special tokens and
// extra tokens are added afterwards.
func (b *Backend) LoadTokenizer(cfg config.RunConfig) (llm.Tokenizer, error) {
	var tok *Tokenizer
	dir := cfg.String("tokenizer_config")
	switch {
	case dir != "" && IsTokenizerDir(dir):
		t, err := LoadTokenizerDir(dir)
		if err != nil {
			return nil, err
		}
		tok = t
	case cfg.String("tokenizer_type") == TokenizerChar:
		tok = NewCharTokenizer()
	case cfg.String("tokenizer_type") == TokenizerTiktoken:
		path := cfg.String("tokenizer_vocab")
		if path == "" {
			return nil, fmt.Errorf("tokenizer_type tiktoken needs tokenizer_vocab")
		}
		vocab, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if tok, err = NewBPETokenizer(vocab); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown tokenizer_type %q", cfg.String("tokenizer_type"))
	}

	special := make(map[string]string)
	for role, sym := range cfg.Map("special_tokens") {
		if s, ok := sym.(string); ok {
			special[role] = s
		}
	}
	added := tok.AddSpecialTokens(special)
	added += tok.AddTokens(cfg.Strings("tokens")...)

	b.log.Debug("loaded tokenizer", "type", tok.Kind(), "vocab", tok.VocabSize(), "added", added,
		"bos", tok.BOS(), "eos", tok.EOS(), "pad", tok.Pad())
	return tok, nil
}

// LoadModel loads base_model when it is a saved model directory and
// initializes fresh weights otherwise. Quantization, the adapter and the
// fused attention layout are applied in that order.
func (b *Backend) LoadModel(cfg config.RunConfig, tok llm.Tokenizer, inference bool) (llm.Model, *llm.AdapterConfig, error) {
	rng := rand.New(rand.NewSource(int64(cfg.Int("seed"))))
	base := cfg.String("base_model")

	var m *Model
	if IsModelDir(base) {
		loaded, err := LoadModelDir(base)
		if err != nil {
			return nil, nil, err
		}
		m = loaded
	} else {
		b.log.Info("no saved weights, initializing model", "base_model", base)
		fresh, err := NewModel(ModelConfig{
			NLayer:    cfg.Int("n_layer"),
			NEmbd:     cfg.Int("n_embd"),
			NHead:     cfg.Int("n_head"),
			BlockSize: cfg.Int("sequence_len"),
			VocabSize: tok.VocabSize(),
		}, int64(cfg.Int("seed")))
		if err != nil {
			return nil, nil, err
		}
		m = fresh
	}
	m.resizeVocab(tok.VocabSize(), rng)

	switch {
	case cfg.Bool("load_in_8bit"):
		if err := m.quantize(8); err != nil {
			return nil, nil, err
		}
	case cfg.Bool("load_in_4bit"):
		if err := m.quantize(4); err != nil {
			return nil, nil, err
		}
	}
	if cfg.String("torch_dtype") == string(llm.Float16) {
		if err := m.ToDType(llm.Float16); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.String("adapter") {
	case "lora", "qlora":
		if dir := cfg.String("lora_model_dir"); dir != "" {
			if err := m.loadAdapter(dir); err != nil {
				return nil, nil, fmt.Errorf("load adapter from %s: %w", dir, err)
			}
		} else {
			ac := &llm.AdapterConfig{
				Type:          "LORA",
				BaseModel:     base,
				R:             cfg.Int("lora_r"),
				Alpha:         cfg.Int("lora_alpha"),
				Dropout:       cfg.Float("lora_dropout"),
				TargetModules: cfg.Strings("lora_target_modules"),
			}
			if err := m.attachLoRA(ac, rng); err != nil {
				return nil, nil, err
			}
		}
	}

	if cfg.Bool("flash_optimum") {
		if err := m.ApplyTransform(TransformFusedQKV); err != nil {
			return nil, nil, err
		}
	}
	if inference {
		m.Eval()
	}

	b.log.Info("loaded model",
		"params", humanize.Comma(int64(m.NumParams())),
		"trainable", humanize.Comma(int64(len(m.trainable()))),
		"layers", m.cfg.NLayer, "dtype", m.cfg.TorchDType)
	return m, m.adapter, nil
}

func (b *Backend) PrepareDataset(ctx context.Context, cfg config.RunConfig, tok llm.Tokenizer) (*llm.DatasetBundle, error) {
	return prepareDataset(ctx, cfg, tok, b.prompts, b.log)
}

func (b *Backend) NewTrainer(cfg config.RunConfig, in llm.TrainerInput) (llm.Trainer, error) {
	return newTrainer(cfg, in, b.log)
}
