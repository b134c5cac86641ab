package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hochfrequenz/ftrun/internal/checkpoint"
	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/domain"
	"github.com/hochfrequenz/ftrun/internal/finalize"
	"github.com/hochfrequenz/ftrun/internal/guard"
	"github.com/hochfrequenz/ftrun/internal/llm"
)

// train runs resume, fit, interrupt-or-complete and finalize.
func (r *Runner) train(ctx context.Context, cfg config.RunConfig, backend llm.Backend, art llm.Artifacts, bundle *llm.DatasetBundle, res Result, log *slog.Logger) (Result, error) {
	outDir := cfg.String("output_dir")
	coordinator := cfg.IsCoordinator()

	trainer, err := backend.NewTrainer(cfg, llm.TrainerInput{Model: art.Model, Tokenizer: art.Tokenizer, Dataset: bundle})
	if err != nil {
		return res, fmt.Errorf("create trainer: %w", err)
	}

	art.Model.SetUseCache(false)

	if coordinator {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return res, fmt.Errorf("create output dir: %w", err)
		}
		if art.Adapter != nil {
			log.Info("pre-saving adapter config", "output_dir", outDir)
			if err := art.Adapter.Save(outDir); err != nil {
				return res, fmt.Errorf("save adapter config: %w", err)
			}
		}
		if err := art.Tokenizer.Save(outDir); err != nil {
			return res, fmt.Errorf("save tokenizer: %w", err)
		}
	}
	if cfg.Bool("group_by_length") {
		log.Info("group_by_length is set, the first steps can take a while to start")
	}

	resume, err := checkpoint.Resolve(cfg, log)
	if err != nil {
		return res, fmt.Errorf("resolve checkpoint: %w", err)
	}
	res.ResumeFrom = resume

	if coordinator && r.OnCheckpoint != nil {
		w, err := checkpoint.NewWatcher(outDir, func(refs []checkpoint.Ref) {
			for _, ref := range refs {
				log.Info("checkpoint saved", "step", ref.Step, "path", ref.Path)
				r.OnCheckpoint(ref)
			}
		}, log)
		if err != nil {
			log.Warn("checkpoint watcher unavailable", "error", err)
		} else {
			if r.WatchDebounce > 0 {
				w.SetDebounce(r.WatchDebounce)
			}
			w.Start(ctx)
			defer w.Stop()
		}
	}

	log.Info("starting trainer", "resume_from", resume)
	if !coordinator {
		if err := trainer.Train(ctx, resume); err != nil {
			return res, fmt.Errorf("train: %w", err)
		}
		return r.finish(cfg, art.Model, trainer, res, log)
	}

	opts := r.Guard
	opts.Model = art.Model
	opts.OutputDir = outDir
	opts.Format = llm.FormatFor(cfg)
	opts.OnInterrupt = r.OnInterrupt
	if opts.Logger == nil {
		opts.Logger = log
	}
	gctx, g := guard.Install(ctx, opts)
	trainErr := trainer.Train(gctx, resume)
	g.Quiesce()
	if !g.Disarm() {
		g.Wait()
		res.Status = domain.RunInterrupted
		return res, ErrInterrupted
	}
	if trainErr != nil {
		return res, fmt.Errorf("train: %w", trainErr)
	}
	return r.finish(cfg, art.Model, trainer, res, log)
}

func (r *Runner) finish(cfg config.RunConfig, model llm.Model, trainer llm.Trainer, res Result, log *slog.Logger) (Result, error) {
	log.Info("training completed, saving trained model", "output_dir", cfg.String("output_dir"))
	_, outcome, err := finalize.Run(cfg, model, trainer, log)
	if err != nil {
		return res, err
	}
	res.Finalize = outcome
	res.Status = domain.RunCompleted
	return res, nil
}
