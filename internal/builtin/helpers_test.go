package builtin

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/ftrun/internal/config"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// writeJSONL writes one JSON object per line.
func writeJSONL(t *testing.T, path string, rows ...map[string]string) {
	t.Helper()
	var b strings.Builder
	for _, r := range rows {
		line, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

// testConfig is a tiny run config over one dataset file.
func testConfig(t *testing.T, dataset, typ string, extra map[string]any) config.RunConfig {
	t.Helper()
	values := map[string]any{
		"base_model":            "tiny",
		"datasets":              []any{map[string]any{"path": dataset, "type": typ}},
		"dataset_prepared_path": "",
		"output_dir":            filepath.Join(t.TempDir(), "out"),
		"sequence_len":          24,
		"n_embd":                8,
		"n_head":                2,
		"n_layer":               1,
		"seed":                  1,
	}
	for k, v := range extra {
		values[k] = v
	}
	return config.New("test.yml", values)
}
