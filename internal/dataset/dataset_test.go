package dataset

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
	"github.com/hochfrequenz/ftrun/internal/llm/llmtest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPrepare(t *testing.T) {
	b := llmtest.NewBackend()
	bundle, err := Prepare(context.Background(), b, config.New("t", nil), b.Tokenizer, discard)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.TotalSteps != 2 {
		t.Errorf("TotalSteps = %d, want 2", bundle.TotalSteps)
	}
}

func TestPrepare_WrapsErrors(t *testing.T) {
	b := llmtest.NewBackend()
	cause := errors.New("bad row")
	b.DatasetErr = cause

	_, err := Prepare(context.Background(), b, config.New("t", nil), b.Tokenizer, discard)
	if !errors.Is(err, ErrDataset) || !errors.Is(err, cause) {
		t.Errorf("err = %v, want ErrDataset wrapping the cause", err)
	}

	b.DatasetErr = nil
	b.Dataset = &llm.DatasetBundle{}
	if _, err := Prepare(context.Background(), b, config.New("t", nil), b.Tokenizer, discard); !errors.Is(err, ErrDataset) {
		t.Errorf("empty bundle err = %v, want ErrDataset", err)
	}
}

func TestInspectLabels_ReadOnly(t *testing.T) {
	b := llmtest.NewBackend()
	var rows []llm.Example
	for i := 0; i < 8; i++ {
		rows = append(rows, llm.Example{InputIDs: []int{97 + i, 98}, Labels: []int{llm.IgnoreIndex, 98}})
	}
	bundle := &llm.DatasetBundle{Train: rows, TotalSteps: 8}

	before := cloneBundle(bundle)
	var out bytes.Buffer
	if err := InspectLabels(&out, bundle, b.Tokenizer, InspectCount, rand.New(rand.NewSource(1))); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, bundle); diff != "" {
		t.Errorf("bundle changed (-before +after):\n%s", diff)
	}
	if got := strings.Count(out.String(), "row "); got != InspectCount {
		t.Errorf("printed %d rows, want %d", got, InspectCount)
	}
	if !strings.Contains(out.String(), "b(98, 98)") || !strings.Contains(out.String(), "(-100, ") {
		t.Errorf("output missing token/label pairs:\n%s", out.String())
	}
}

func TestInspectLabels_FewerRowsThanCount(t *testing.T) {
	b := llmtest.NewBackend()
	var out bytes.Buffer
	if err := InspectLabels(&out, b.Dataset, b.Tokenizer, InspectCount, rand.New(rand.NewSource(1))); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out.String(), "row "); got != len(b.Dataset.Train) {
		t.Errorf("printed %d rows, want %d", got, len(b.Dataset.Train))
	}
}

func cloneBundle(b *llm.DatasetBundle) *llm.DatasetBundle {
	out := &llm.DatasetBundle{TotalSteps: b.TotalSteps}
	for _, ex := range b.Train {
		out.Train = append(out.Train, llm.Example{
			InputIDs: append([]int(nil), ex.InputIDs...),
			Labels:   append([]int(nil), ex.Labels...),
		})
	}
	return out
}
