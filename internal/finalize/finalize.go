// Package finalize writes the final artifact of a completed training run.
package finalize

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
)

// Outcome says which branch the finalizer took.
type Outcome string

const (
	// SavedByTrainer means the ReLoRA hook already wrote the final weights.
	SavedByTrainer Outcome = "relora_self_saved"
	// SavedSharded means the trainer's collective save wrote the weights.
	SavedSharded Outcome = "sharded"
	// Saved means this process wrote the weights.
	Saved Outcome = "saved"
	// Skipped means this process is not the coordinator and wrote nothing.
	Skipped Outcome = "skipped"
)

// weightPatterns match the weight files a dense save leaves in a directory.
var weightPatterns = []string{"model.safetensors", "model-*.safetensors", "model.json", "pytorch_model*.bin"}

// Run finalizes model after trainer completed normally and returns the model
// as saved, which differs from model after a ReLoRA merge.
func Run(cfg config.RunConfig, model llm.Model, trainer llm.Trainer, log *slog.Logger) (llm.Model, Outcome, error) {
	outDir := cfg.String("output_dir")

	if cfg.Int("relora_steps") > 0 {
		if cfg.String("adapter") == "lora" && !cfg.Bool("load_in_4bit") && !cfg.Bool("load_in_8bit") {
			merged, err := model.MergeAndUnload()
			if err != nil {
				return nil, "", fmt.Errorf("merge ReLoRA adapter: %w", err)
			}
			model = merged
		} else if HasWeights(outDir) {
			log.Info("final ReLoRA weights already saved by the trainer", "output_dir", outDir)
			return model, SavedByTrainer, nil
		} else {
			log.Warn("ReLoRA run left no final weights, saving them now", "output_dir", outDir)
		}
	}

	if cfg.Bool("fsdp") {
		if err := llm.ReverseTransforms(model); err != nil {
			return nil, "", fmt.Errorf("reverse transforms: %w", err)
		}
		if err := trainer.SaveModel(outDir); err != nil {
			return nil, "", fmt.Errorf("sharded save: %w", err)
		}
		return model, SavedSharded, nil
	}

	if !cfg.IsCoordinator() {
		return model, Skipped, nil
	}
	if err := llm.ReverseTransforms(model); err != nil {
		return nil, "", fmt.Errorf("reverse transforms: %w", err)
	}
	if err := model.Save(outDir, llm.FormatFor(cfg)); err != nil {
		return nil, "", fmt.Errorf("save model: %w", err)
	}
	log.Info("saved final model", "output_dir", outDir)
	return model, Saved, nil
}

// HasWeights reports whether dir holds dense model weights.
func HasWeights(dir string) bool {
	for _, p := range weightPatterns {
		if m, _ := filepath.Glob(filepath.Join(dir, p)); len(m) > 0 {
			return true
		}
	}
	return false
}
