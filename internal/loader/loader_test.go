package loader

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
	"github.com/hochfrequenz/ftrun/internal/llm/llmtest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLoad_LogsVocabAndParams(t *testing.T) {
	b := llmtest.NewBackend()
	b.Adapter = &llm.AdapterConfig{Type: "LORA", R: 8, Alpha: 16}
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	cfg := config.New("t", nil)

	tok, err := LoadTokenizer(b, cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	model, adapter, err := LoadModel(b, cfg, tok, true, log)
	if err != nil {
		t.Fatal(err)
	}
	events := b.Rec.Events()
	if len(events) != 2 || events[0] != "load_tokenizer" || events[1] != "load_model inference=true" {
		t.Errorf("events = %v", events)
	}
	if model == nil || adapter == nil {
		t.Errorf("model = %v adapter = %v", model, adapter)
	}
	for _, want := range []string{"loaded tokenizer", "vocab=256", "loaded model", "params=1,234", "adapter=LORA"} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("log missing %q:\n%s", want, logs.String())
		}
	}
}

func TestLoadTokenizer_Failure(t *testing.T) {
	b := llmtest.NewBackend()
	b.TokenizerErr = errors.New("no vocab")

	_, err := LoadTokenizer(b, config.New("t", nil), discard)
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
}

func TestLoadModel_Failure(t *testing.T) {
	b := llmtest.NewBackend()
	b.ModelErr = errors.New("shape mismatch")
	cfg := config.New("t", map[string]any{"base_model": "m"})

	_, _, err := LoadModel(b, cfg, b.Tokenizer, false, discard)
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
	if !strings.Contains(err.Error(), "model m") {
		t.Errorf("err = %v, want the model name", err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(config.New("t", map[string]any{"backend": "no-such-backend"}))
	if !errors.Is(err, ErrModelLoad) {
		t.Errorf("err = %v, want ErrModelLoad", err)
	}
}
