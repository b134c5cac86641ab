package builtin

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/ftrun/internal/llm"
	"github.com/hochfrequenz/ftrun/internal/prompts"
)

func testBackend() *Backend { return New(discard(), prompts.NewLoader()) }

func TestRegistered(t *testing.T) {
	b, err := llm.Open(Name)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*Backend); !ok {
		t.Errorf("Open(%q) returned %T", Name, b)
	}
}

func TestLoadTokenizer_ConfigTokens(t *testing.T) {
	cfg := testConfig(t, "unused.jsonl", "completion", map[string]any{
		"special_tokens": map[string]any{"pad_token": "<pad>"},
		"tokens":         []any{"<tool>"},
	})
	tok, err := testBackend().LoadTokenizer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	base := NewCharTokenizer().VocabSize()
	if tok.VocabSize() != base+2 {
		t.Errorf("VocabSize = %d, want %d", tok.VocabSize(), base+2)
	}
	if tok.Pad() == tok.EOS() {
		t.Error("pad_token not bound")
	}
}

func TestLoadTokenizer_Errors(t *testing.T) {
	b := testBackend()
	for _, extra := range []map[string]any{
		{"tokenizer_type": "sentencepiece"},
		{"tokenizer_type": "tiktoken"},
		{"tokenizer_type": "tiktoken", "tokenizer_vocab": filepath.Join(t.TempDir(), "missing.tiktoken")},
	} {
		if _, err := b.LoadTokenizer(testConfig(t, "unused.jsonl", "completion", extra)); err == nil {
			t.Errorf("LoadTokenizer(%v) succeeded", extra)
		}
	}
}

func TestLoadModel_Fresh(t *testing.T) {
	b := testBackend()
	cfg := testConfig(t, "unused.jsonl", "completion", map[string]any{
		"adapter":             "lora",
		"lora_r":              2,
		"lora_target_modules": []any{"q_proj", "v_proj"},
		"flash_optimum":       true,
	})
	tok, err := b.LoadTokenizer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	model, ac, err := b.LoadModel(cfg, tok, false)
	if err != nil {
		t.Fatal(err)
	}
	if ac == nil || ac.R != 2 || ac.Scaling() != 8 {
		t.Fatalf("adapter = %+v", ac)
	}
	m := model.(*Model)
	if m.cfg.BlockSize != 24 || m.cfg.VocabSize != tok.VocabSize() {
		t.Errorf("cfg = %+v", m.cfg)
	}
	if got := m.AppliedTransforms(); len(got) != 1 || got[0] != TransformFusedQKV {
		t.Errorf("AppliedTransforms = %v", got)
	}
}

func TestLoadModel_SavedDirWithAdapter(t *testing.T) {
	b := testBackend()
	dir := t.TempDir()
	baseDir := filepath.Join(dir, "base")
	loraDir := filepath.Join(dir, "lora")

	m := tinyModel(t)
	tok := NewCharTokenizer()
	if err := m.Save(baseDir, llm.FormatNative); err != nil {
		t.Fatal(err)
	}
	if err := tok.Save(baseDir); err != nil {
		t.Fatal(err)
	}
	withTrainedLoRA(t, m, "wq")
	if err := m.Save(loraDir, llm.FormatNative); err != nil {
		t.Fatal(err)
	}
	ids := tok.Encode("ab")
	want := logitsAt(m, ids)

	cfg := testConfig(t, "unused.jsonl", "completion", map[string]any{
		"base_model":       baseDir,
		"tokenizer_config": baseDir,
		"adapter":          "lora",
		"lora_model_dir":   loraDir,
	})
	loadedTok, err := b.LoadTokenizer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	loaded, ac, err := b.LoadModel(cfg, loadedTok, true)
	if err != nil {
		t.Fatal(err)
	}
	if ac == nil {
		t.Fatal("adapter not loaded")
	}
	assertClose(t, logitsAt(loaded.(*Model), ids), want, 1e-9)
}

func TestLoadModel_QuantizeAndHalf(t *testing.T) {
	b := testBackend()
	cfg := testConfig(t, "unused.jsonl", "completion", map[string]any{
		"load_in_8bit": true,
		"torch_dtype":  "float16",
	})
	tok, err := b.LoadTokenizer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	model, ac, err := b.LoadModel(cfg, tok, true)
	if err != nil {
		t.Fatal(err)
	}
	if ac != nil {
		t.Error("adapter attached without adapter setting")
	}
	mc := model.(*Model).Config()
	if mc.QuantizationBits != 8 || mc.TorchDType != "float16" {
		t.Errorf("config = %+v", mc)
	}
}

func TestBackend_PrepareAndTrain(t *testing.T) {
	b := testBackend()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	writeJSONL(t, path, map[string]string{"text": "hello"}, map[string]string{"text": "world"})
	cfg := testConfig(t, path, "completion", map[string]any{"max_steps": 2})

	tok, err := b.LoadTokenizer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	model, _, err := b.LoadModel(cfg, tok, false)
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := b.PrepareDataset(context.Background(), cfg, tok)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := b.NewTrainer(cfg, llm.TrainerInput{Model: model, Tokenizer: tok, Dataset: bundle})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Train(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	out := cfg.String("output_dir")
	if err := tr.SaveModel(out); err != nil {
		t.Fatal(err)
	}
	if !IsModelDir(out) {
		t.Error("SaveModel did not write a model directory")
	}
}
