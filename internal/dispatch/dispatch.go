// Package dispatch selects the run mode and executes it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/ftrun/internal/checkpoint"
	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/dataset"
	"github.com/hochfrequenz/ftrun/internal/domain"
	"github.com/hochfrequenz/ftrun/internal/finalize"
	"github.com/hochfrequenz/ftrun/internal/guard"
	"github.com/hochfrequenz/ftrun/internal/inference"
	"github.com/hochfrequenz/ftrun/internal/llm"
	"github.com/hochfrequenz/ftrun/internal/loader"
	"github.com/hochfrequenz/ftrun/internal/prompts"
)

// ErrInterrupted reports that a signal ended training and the interrupt
// path saved the model. It is a successful outcome.
var ErrInterrupted = errors.New("run interrupted")

// MergedDir is the output_dir subdirectory merge mode writes to.
const MergedDir = "merged"

// Select picks the one mode to run. Flags are checked in priority order and
// the first match wins; merge only matches when an adapter is configured.
func Select(cli domain.CliArgs, adapterConfigured bool) domain.Mode {
	switch {
	case cli.PrepareDSOnly:
		return domain.ModePrepareOnly
	case cli.MergeLora && adapterConfigured:
		return domain.ModeMergeLora
	case cli.Inference:
		return domain.ModeInference
	case cli.Shard:
		return domain.ModeReshard
	}
	return domain.ModeTrain
}

// Result describes a finished dispatch.
type Result struct {
	Mode       domain.Mode
	Status     domain.RunStatus
	OutputDir  string
	ResumeFrom string
	Finalize   finalize.Outcome
}

// Runner executes a mode against a backend.
type Runner struct {
	// Backend overrides the backend named by the config.
	Backend llm.Backend
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
	Prompts *prompts.Loader
	Rand    *rand.Rand

	// OnCheckpoint is told about checkpoints that appear while training.
	OnCheckpoint func(ref checkpoint.Ref)
	// OnInterrupt runs on the interrupt path after the model is saved.
	OnInterrupt func(saveErr error)
	// Guard carries test hooks for the interrupt guard; Model, OutputDir,
	// Format and OnInterrupt are filled in by the runner.
	Guard guard.Options
	// WatchDebounce overrides the checkpoint watcher debounce.
	WatchDebounce time.Duration
}

func (r *Runner) defaults() {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.In == nil {
		r.In = os.Stdin
	}
	if r.Out == nil {
		r.Out = os.Stdout
	}
	if r.Prompts == nil {
		r.Prompts = prompts.NewLoader()
	}
	if r.Rand == nil {
		r.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Run executes the mode selected for cli. cfg is read, never changed.
func (r *Runner) Run(ctx context.Context, cfg config.RunConfig, cli domain.CliArgs) (Result, error) {
	r.defaults()
	mode := Select(cli, cfg.String("adapter") != "")
	res := Result{Mode: mode, Status: domain.RunFailed, OutputDir: cfg.String("output_dir")}
	if flags := cli.SetModeFlags(); len(flags) > 1 {
		r.Logger.Warn("several mode flags set, using the first by priority", "flags", flags, "mode", mode)
	}
	log := r.Logger.With("mode", string(mode))

	backend := r.Backend
	if backend == nil {
		b, err := loader.Open(cfg)
		if err != nil {
			return res, err
		}
		backend = b
	}

	tok, err := loader.LoadTokenizer(backend, cfg, log)
	if err != nil {
		return res, err
	}

	var bundle *llm.DatasetBundle
	if mode.NeedsDataset() {
		if bundle, err = dataset.Prepare(ctx, backend, cfg, tok, log); err != nil {
			return res, err
		}
		if cli.Debug || cfg.Bool("debug") {
			log.Info("checking dataset labels")
			if err := dataset.InspectLabels(r.Out, bundle, tok, dataset.InspectCount, r.Rand); err != nil {
				return res, err
			}
		}
	}
	if !mode.LoadsModel() {
		log.Info("finished preparing dataset, exiting")
		res.Status = domain.RunCompleted
		return res, nil
	}

	model, adapter, err := loader.LoadModel(backend, cfg, tok, mode == domain.ModeInference, log)
	if err != nil {
		return res, err
	}
	art := llm.Artifacts{Tokenizer: tok, Model: model, Adapter: adapter}

	switch mode {
	case domain.ModeMergeLora:
		err = r.merge(cfg, art, log)
	case domain.ModeInference:
		err = inference.Run(ctx, cfg, art, inference.Options{
			In:      r.In,
			Out:     r.Out,
			Loader:  r.Prompts,
			Logger:  log,
			Seed:    int64(cfg.Int("seed")),
			CliArgs: cli,
		})
	case domain.ModeReshard:
		err = r.reshard(cfg, art, log)
	default:
		return r.train(ctx, cfg, backend, art, bundle, res, log)
	}
	if err != nil {
		return res, err
	}
	res.Status = domain.RunCompleted
	return res, nil
}

func (r *Runner) merge(cfg config.RunConfig, art llm.Artifacts, log *slog.Logger) error {
	log.Info("running merge of LoRA with base model")
	model, err := art.Model.MergeAndUnload()
	if err != nil {
		return fmt.Errorf("merge adapter: %w", err)
	}
	if err := model.ToDType(llm.Float16); err != nil {
		return fmt.Errorf("cast merged model: %w", err)
	}
	if !cfg.IsCoordinator() {
		return nil
	}
	if err := llm.ReverseTransforms(model); err != nil {
		return fmt.Errorf("reverse transforms: %w", err)
	}
	dir := filepath.Join(cfg.String("output_dir"), MergedDir)
	log.Info("saving merged model", "dir", dir)
	if err := model.Save(dir, llm.FormatFor(cfg)); err != nil {
		return fmt.Errorf("save merged model: %w", err)
	}
	return art.Tokenizer.Save(dir)
}

func (r *Runner) reshard(cfg config.RunConfig, art llm.Artifacts, log *slog.Logger) error {
	if !cfg.IsCoordinator() {
		return nil
	}
	if err := llm.ReverseTransforms(art.Model); err != nil {
		return fmt.Errorf("reverse transforms: %w", err)
	}
	dir := cfg.String("output_dir")
	log.Info("re-sharding model", "dir", dir)
	if err := art.Model.Save(dir, llm.FormatFor(cfg)); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}
