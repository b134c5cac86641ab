// Package inference runs the interactive generation loop.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/domain"
	"github.com/hochfrequenz/ftrun/internal/llm"
	"github.com/hochfrequenz/ftrun/internal/prompts"
)

// Sampling is the fixed generation setup of the loop.
var Sampling = llm.SamplingConfig{
	MaxNewTokens:      1024,
	Temperature:       0.9,
	TopP:              0.95,
	TopK:              40,
	RepetitionPenalty: 1.1,
	DoSample:          true,
	UseCache:          true,
}

// DefaultSpecialTokens are bound unless special_tokens configures the role.
var DefaultSpecialTokens = map[string]string{
	"unk_token": "<unk>",
	"bos_token": "<s>",
	"eos_token": "</s>",
}

// Options configures Run.
type Options struct {
	In      io.Reader
	Out     io.Writer
	Loader  *prompts.Loader
	Logger  *slog.Logger
	Seed    int64
	Banner  string
	CliArgs domain.CliArgs
}

// Run reads instructions from opts.In until an empty one and answers each
// with a streamed generation. Turns share nothing but the model and
// tokenizer.
func Run(ctx context.Context, cfg config.RunConfig, art llm.Artifacts, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	prompter, err := resolvePrompter(opts.Loader, opts.CliArgs.PrompterName())
	if err != nil {
		return err
	}

	tok := art.Tokenizer
	configured := cfg.Map("special_tokens")
	defaults := make(map[string]string)
	for role, sym := range DefaultSpecialTokens {
		if _, ok := configured[role]; !ok {
			defaults[role] = sym
		}
	}
	if n := tok.AddSpecialTokens(defaults); n > 0 {
		log.Warn("default special tokens grew the vocabulary", "added", n)
	}

	if err := art.Model.To(cfg.String("device")); err != nil {
		return fmt.Errorf("move model to %s: %w", cfg.String("device"), err)
	}

	banner := opts.Banner
	if banner == "" {
		banner = "Give me an instruction (Ctrl + D to finish): "
	}
	bannerStyle := lipgloss.NewRenderer(opts.Out).NewStyle().Bold(true)

	for turn := 0; ; turn++ {
		fmt.Fprintln(opts.Out, bannerStyle.Render(banner))
		raw, err := io.ReadAll(opts.In)
		if err != nil {
			return fmt.Errorf("read instruction: %w", err)
		}
		instruction := strings.TrimSpace(string(raw))
		if instruction == "" {
			return nil
		}

		prompt := instruction
		if prompter != nil {
			if prompt, err = prompter.Build(instruction, ""); err != nil {
				return err
			}
		}

		sc := Sampling
		sc.BOS, sc.EOS, sc.Pad = tok.BOS(), tok.EOS(), tok.Pad()
		sc.Seed = opts.Seed + int64(turn)

		art.Model.Eval()
		out, err := art.Model.Generate(ctx, tok.Encode(prompt), sc, NewTextStreamer(opts.Out, tok))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("generate: %w", err)
		}
		fmt.Fprintln(opts.Out, strings.Repeat("=", 40))
		fmt.Fprintln(opts.Out, tok.Decode(out))
	}
}

// resolvePrompter looks name up once. An empty name means the raw
// instruction is the prompt.
func resolvePrompter(loader *prompts.Loader, name string) (*prompts.Prompter, error) {
	if name == "" {
		return nil, nil
	}
	if loader == nil {
		loader = prompts.NewLoader()
	}
	return loader.Lookup(name)
}
