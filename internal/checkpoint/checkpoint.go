// Package checkpoint finds the training checkpoints a run has written to its
// output directory and picks the one to resume from.
package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hochfrequenz/ftrun/internal/config"
)

// Prefix is the directory name prefix of a training checkpoint.
const Prefix = "checkpoint-"

// Ref points at one checkpoint directory.
type Ref struct {
	Path string
	Step int
}

// Dir returns the directory name of the checkpoint for step.
func Dir(step int) string { return Prefix + strconv.Itoa(step) }

// ParseStep extracts n from a checkpoint-<n> name. ok is false for names
// that are not checkpoints.
func ParseStep(name string) (step int, ok bool) {
	if !strings.HasPrefix(name, Prefix) {
		return 0, false
	}
	suffix := strings.TrimPrefix(name, Prefix)
	if suffix == "" || strings.TrimLeft(suffix, "0123456789") != "" {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Discover lists the checkpoints in dir, ordered by step. A missing dir has
// no checkpoints.
func Discover(dir string) ([]Ref, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}

	var refs []Ref
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		step, ok := ParseStep(e.Name())
		if !ok {
			continue
		}
		refs = append(refs, Ref{Path: filepath.Join(dir, e.Name()), Step: step})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Step < refs[j].Step })
	return refs, nil
}

// Latest returns the highest-step checkpoint in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	refs, err := Discover(dir)
	if err != nil || len(refs) == 0 {
		return "", err
	}
	return refs[len(refs)-1].Path, nil
}

// Resolve returns the checkpoint training should resume from. An explicit
// resume_from_checkpoint wins; otherwise output_dir is searched only when
// auto_resume_from_checkpoints is enabled.
func Resolve(cfg config.RunConfig, log *slog.Logger) (string, error) {
	if explicit := cfg.String("resume_from_checkpoint"); explicit != "" {
		return explicit, nil
	}
	if !cfg.Bool("auto_resume_from_checkpoints") {
		return "", nil
	}
	latest, err := Latest(cfg.String("output_dir"))
	if err != nil {
		return "", err
	}
	if latest != "" && log != nil {
		log.Info("auto-resuming from checkpoint", "checkpoint", latest)
	}
	return latest, nil
}
