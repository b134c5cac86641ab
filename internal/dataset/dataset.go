// Package dataset prepares training data through the backend and offers a
// read-only label inspection for debugging.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
)

// ErrDataset marks failures of dataset preparation.
var ErrDataset = errors.New("dataset preparation failed")

// InspectCount is how many rows InspectLabels samples.
const InspectCount = 5

// Prepare produces the train and eval splits and the step count.
func Prepare(ctx context.Context, b llm.Backend, cfg config.RunConfig, tok llm.Tokenizer, log *slog.Logger) (*llm.DatasetBundle, error) {
	bundle, err := b.PrepareDataset(ctx, cfg, tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataset, err)
	}
	if bundle == nil || len(bundle.Train) == 0 {
		return nil, fmt.Errorf("%w: no training rows", ErrDataset)
	}
	log.Info("dataset ready", "train", len(bundle.Train), "eval", len(bundle.Eval), "total_steps", bundle.TotalSteps)
	return bundle, nil
}

// InspectLabels writes n randomly chosen training rows to w, one token per
// entry as text(label, input id). Masked labels are red, zero labels yellow,
// trained labels green when w supports color. The bundle is not modified.
func InspectLabels(w io.Writer, bundle *llm.DatasetBundle, tok llm.Tokenizer, n int, rng *rand.Rand) error {
	if bundle == nil || len(bundle.Train) == 0 {
		return nil
	}
	r := lipgloss.NewRenderer(w)
	masked := r.NewStyle().Foreground(lipgloss.Color("9"))
	zero := r.NewStyle().Foreground(lipgloss.Color("11"))
	trained := r.NewStyle().Foreground(lipgloss.Color("10"))

	for _, idx := range sampleIndices(len(bundle.Train), n, rng) {
		ex := bundle.Train[idx]
		parts := make([]string, 0, len(ex.InputIDs))
		for i, id := range ex.InputIDs {
			label := llm.IgnoreIndex
			if i < len(ex.Labels) {
				label = ex.Labels[i]
			}
			style := trained
			switch label {
			case llm.IgnoreIndex:
				style = masked
			case 0:
				style = zero
			}
			parts = append(parts, style.Render(fmt.Sprintf("%s(%d, %d)", tok.Decode([]int{id}), label, id)))
		}
		if _, err := fmt.Fprintf(w, "row %d: %s\n\n", idx, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	return nil
}

// sampleIndices picks min(n, size) distinct indices.
func sampleIndices(size, n int, rng *rand.Rand) []int {
	perm := rng.Perm(size)
	if n < len(perm) {
		perm = perm[:n]
	}
	return perm
}
