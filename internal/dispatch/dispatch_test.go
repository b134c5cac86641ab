package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/domain"
	"github.com/hochfrequenz/ftrun/internal/finalize"
	"github.com/hochfrequenz/ftrun/internal/guard"
	"github.com/hochfrequenz/ftrun/internal/llm"
	"github.com/hochfrequenz/ftrun/internal/llm/llmtest"
)

func testConfig(t *testing.T, extra map[string]any) config.RunConfig {
	t.Helper()
	values := map[string]any{
		"base_model": "tiny",
		"output_dir": filepath.Join(t.TempDir(), "out"),
		"local_rank": 0,
	}
	for k, v := range extra {
		values[k] = v
	}
	return config.New("test.yml", values)
}

func newRunner(b *llmtest.Backend) *Runner {
	return &Runner{
		Backend: b,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		In:      strings.NewReader(""),
		Out:     io.Discard,
		Rand:    rand.New(rand.NewSource(1)),
		Guard:   guard.Options{Exit: func(int) {}, Signals: make(chan os.Signal, 1), Grace: time.Second},
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		cli     domain.CliArgs
		adapter bool
		want    domain.Mode
	}{
		{"no flags", domain.CliArgs{}, false, domain.ModeTrain},
		{"prepare wins over all", domain.CliArgs{PrepareDSOnly: true, MergeLora: true, Inference: true, Shard: true}, true, domain.ModePrepareOnly},
		{"merge with adapter", domain.CliArgs{MergeLora: true}, true, domain.ModeMergeLora},
		{"merge without adapter trains", domain.CliArgs{MergeLora: true}, false, domain.ModeTrain},
		{"merge beats shard", domain.CliArgs{MergeLora: true, Shard: true}, true, domain.ModeMergeLora},
		{"merge without adapter falls to inference", domain.CliArgs{MergeLora: true, Inference: true}, false, domain.ModeInference},
		{"inference beats shard", domain.CliArgs{Inference: true, Shard: true}, false, domain.ModeInference},
		{"shard", domain.CliArgs{Shard: true}, false, domain.ModeReshard},
		{"debug alone trains", domain.CliArgs{Debug: true}, false, domain.ModeTrain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Select(tt.cli, tt.adapter); got != tt.want {
				t.Errorf("Select() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRun_PrepareOnlyStopsBeforeModelLoad(t *testing.T) {
	b := llmtest.NewBackend()
	res, err := newRunner(b).Run(context.Background(), testConfig(t, nil), domain.CliArgs{PrepareDSOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != domain.ModePrepareOnly || res.Status != domain.RunCompleted {
		t.Errorf("result = %+v", res)
	}
	if !b.Rec.Has("prepare_dataset") {
		t.Error("dataset was not prepared")
	}
	if b.Rec.Has("load_model") {
		t.Errorf("model loaded in prepare-only mode: %v", b.Rec.Events())
	}
}

func TestRun_DebugInspectsLabels(t *testing.T) {
	b := llmtest.NewBackend()
	r := newRunner(b)
	var out strings.Builder
	r.Out = &out
	if _, err := r.Run(context.Background(), testConfig(t, nil), domain.CliArgs{PrepareDSOnly: true, Debug: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "row ") {
		t.Errorf("no label inspection output: %q", out.String())
	}
}

func TestRun_ConfigDebugInspectsLabels(t *testing.T) {
	b := llmtest.NewBackend()
	r := newRunner(b)
	var out strings.Builder
	r.Out = &out
	cfg := testConfig(t, map[string]any{"debug": true})
	if _, err := r.Run(context.Background(), cfg, domain.CliArgs{PrepareDSOnly: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "row ") {
		t.Errorf("debug in config produced no label inspection: %q", out.String())
	}

	out.Reset()
	if _, err := r.Run(context.Background(), testConfig(t, nil), domain.CliArgs{PrepareDSOnly: true}); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("labels inspected without debug: %q", out.String())
	}
}

func TestRun_MergeSavesFloat16UnderMerged(t *testing.T) {
	b := llmtest.NewBackend()
	b.Adapter = &llm.AdapterConfig{Type: "LORA", R: 8, Alpha: 16}
	cfg := testConfig(t, map[string]any{"adapter": "lora", "lora_model_dir": "adapter", "flash_optimum": true})

	res, err := newRunner(b).Run(context.Background(), cfg, domain.CliArgs{MergeLora: true, Shard: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != domain.ModeMergeLora {
		t.Fatalf("mode = %s", res.Mode)
	}
	merged := filepath.Join(cfg.String("output_dir"), MergedDir)
	for _, want := range []string{"merge_and_unload", "to_dtype float16", "reverse_transforms 1", "model.save " + merged + " native transforms=0", "tokenizer.save " + merged} {
		if !b.Rec.Has(want) {
			t.Errorf("missing event %q in %v", want, b.Rec.Events())
		}
	}
	if b.Rec.Has("prepare_dataset") || b.Rec.Has("new_trainer") {
		t.Errorf("merge touched dataset or trainer: %v", b.Rec.Events())
	}
}

func TestRun_MergeOnWorkerWritesNothing(t *testing.T) {
	b := llmtest.NewBackend()
	b.Adapter = &llm.AdapterConfig{Type: "LORA", R: 8, Alpha: 16}
	cfg := testConfig(t, map[string]any{"adapter": "lora", "local_rank": 1})

	if _, err := newRunner(b).Run(context.Background(), cfg, domain.CliArgs{MergeLora: true}); err != nil {
		t.Fatal(err)
	}
	if !b.Rec.Has("merge_and_unload") {
		t.Error("worker did not merge")
	}
	if b.Rec.Has("model.save") || b.Rec.Has("tokenizer.save") {
		t.Errorf("worker wrote files: %v", b.Rec.Events())
	}
}

func TestRun_InferenceLoadsForGeneration(t *testing.T) {
	b := llmtest.NewBackend()
	res, err := newRunner(b).Run(context.Background(), testConfig(t, nil), domain.CliArgs{Inference: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != domain.ModeInference || res.Status != domain.RunCompleted {
		t.Errorf("result = %+v", res)
	}
	if !b.Rec.Has("load_model inference=true") {
		t.Errorf("events = %v", b.Rec.Events())
	}
	if b.Rec.Has("prepare_dataset") || b.Rec.Has("model.save") {
		t.Errorf("inference prepared data or saved: %v", b.Rec.Events())
	}
}

func TestRun_ReshardReversesThenSaves(t *testing.T) {
	b := llmtest.NewBackend()
	cfg := testConfig(t, map[string]any{"flash_optimum": true, "save_safetensors": true})
	if _, err := newRunner(b).Run(context.Background(), cfg, domain.CliArgs{Shard: true}); err != nil {
		t.Fatal(err)
	}
	want := "model.save " + cfg.String("output_dir") + " safetensors transforms=0"
	if !b.Rec.Has(want) {
		t.Errorf("missing %q in %v", want, b.Rec.Events())
	}
	if b.Rec.Has("new_trainer") {
		t.Error("reshard built a trainer")
	}
}

func TestRun_TrainCompletes(t *testing.T) {
	b := llmtest.NewBackend()
	b.Adapter = &llm.AdapterConfig{Type: "LORA", R: 8, Alpha: 16}
	cfg := testConfig(t, map[string]any{"adapter": "lora"})

	res, err := newRunner(b).Run(context.Background(), cfg, domain.CliArgs{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.RunCompleted || res.Finalize != finalize.Saved {
		t.Errorf("result = %+v", res)
	}
	out := cfg.String("output_dir")
	for _, want := range []string{"use_cache false", "tokenizer.save " + out, `trainer.train resume=""`, "model.save " + out} {
		if !b.Rec.Has(want) {
			t.Errorf("missing %q in %v", want, b.Rec.Events())
		}
	}
	if _, err := os.Stat(filepath.Join(out, llm.AdapterConfigFile)); err != nil {
		t.Errorf("adapter config not pre-saved: %v", err)
	}
	if n := b.Rec.Count("model.save"); n != 1 {
		t.Errorf("model saved %d times, want 1", n)
	}
}

func TestRun_TrainResumesFromExplicitCheckpoint(t *testing.T) {
	b := llmtest.NewBackend()
	cfg := testConfig(t, map[string]any{"resume_from_checkpoint": "/ckpt/checkpoint-4"})
	res, err := newRunner(b).Run(context.Background(), cfg, domain.CliArgs{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ResumeFrom != "/ckpt/checkpoint-4" || !b.Rec.Has(`trainer.train resume="/ckpt/checkpoint-4"`) {
		t.Errorf("resume = %q, events %v", res.ResumeFrom, b.Rec.Events())
	}
}

func TestRun_TrainInterruptSavesOnce(t *testing.T) {
	b := llmtest.NewBackend()
	cfg := testConfig(t, map[string]any{"flash_optimum": true})
	r := newRunner(b)
	sigs := make(chan os.Signal, 1)
	exits := make(chan int, 1)
	var saveErr error = errors.New("unset")
	r.Guard.Signals = sigs
	r.Guard.Exit = func(code int) { exits <- code }
	r.OnInterrupt = func(err error) { saveErr = err }
	b.Trainer.TrainFunc = func(ctx context.Context) error {
		sigs <- syscall.SIGINT
		<-ctx.Done()
		return ctx.Err()
	}

	res, err := r.Run(context.Background(), cfg, domain.CliArgs{})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if res.Status != domain.RunInterrupted {
		t.Errorf("status = %s", res.Status)
	}
	if code := <-exits; code != 0 {
		t.Errorf("exit code = %d", code)
	}
	if saveErr != nil {
		t.Errorf("interrupt save error = %v", saveErr)
	}
	if n := b.Rec.Count("model.save"); n != 1 {
		t.Errorf("model saved %d times, want 1: %v", n, b.Rec.Events())
	}
	if !b.Rec.Has("model.save " + cfg.String("output_dir") + " native transforms=0") {
		t.Errorf("interrupt save did not reverse transforms: %v", b.Rec.Events())
	}
}

func TestRun_TrainOnWorkerSavesNothing(t *testing.T) {
	b := llmtest.NewBackend()
	cfg := testConfig(t, map[string]any{"local_rank": 1})
	res, err := newRunner(b).Run(context.Background(), cfg, domain.CliArgs{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Finalize != finalize.Skipped {
		t.Errorf("finalize = %s, want skipped", res.Finalize)
	}
	if !b.Rec.Has("trainer.train") {
		t.Error("worker did not train")
	}
	if b.Rec.Has("model.save") || b.Rec.Has("tokenizer.save") {
		t.Errorf("worker wrote files: %v", b.Rec.Events())
	}
	if _, err := os.Stat(cfg.String("output_dir")); !os.IsNotExist(err) {
		t.Errorf("worker created output dir: %v", err)
	}
}

func TestRun_TrainFailure(t *testing.T) {
	b := llmtest.NewBackend()
	boom := errors.New("nan loss")
	b.Trainer.TrainFunc = func(context.Context) error { return boom }

	res, err := newRunner(b).Run(context.Background(), testConfig(t, nil), domain.CliArgs{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if res.Status != domain.RunFailed {
		t.Errorf("status = %s", res.Status)
	}
	if b.Rec.Has("model.save") {
		t.Error("failed run saved the model")
	}
}

func TestRun_LoadErrors(t *testing.T) {
	b := llmtest.NewBackend()
	b.ModelErr = errors.New("missing weights")
	res, err := newRunner(b).Run(context.Background(), testConfig(t, nil), domain.CliArgs{})
	if err == nil || res.Status != domain.RunFailed {
		t.Fatalf("res = %+v err = %v", res, err)
	}

	b = llmtest.NewBackend()
	b.DatasetErr = errors.New("bad rows")
	if _, err := newRunner(b).Run(context.Background(), testConfig(t, nil), domain.CliArgs{}); err == nil {
		t.Fatal("dataset error was swallowed")
	}
	if b.Rec.Has("load_model") {
		t.Error("model loaded after dataset failure")
	}
}
