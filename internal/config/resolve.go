package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Chooser picks one config file out of several candidates.
type Chooser interface {
	Choose(candidates []string) (string, error)
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(candidates []string) (string, error)

func (f ChooserFunc) Choose(candidates []string) (string, error) { return f(candidates) }

// Options controls Resolve.
type Options struct {
	// Chooser is asked when a directory holds more than one config. Nil means
	// non-interactive, and ambiguity is an error.
	Chooser Chooser
	// Getenv is the environment lookup used for rank and world size.
	// Nil means an empty environment.
	Getenv func(string) string
	Logger *slog.Logger
}

// Override is a single key=value parameter from the command line.
type Override struct {
	Key   string
	Value string
}

// ParseOverrides splits key=value arguments.
func ParseOverrides(args []string) ([]Override, error) {
	out := make([]Override, 0, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(strings.TrimLeft(key, "-"))
		if !ok || key == "" {
			return nil, errorf("", arg, "override must have the form key=value")
		}
		out = append(out, Override{Key: strings.ReplaceAll(key, "-", "_"), Value: value})
	}
	return out, nil
}

// Resolve loads the run configuration from source, applies overrides,
// derives the model family, then validates and normalizes the result.
// source may be a YAML file or a directory of *.yml candidates.
func Resolve(source string, overrides []Override, opts Options) (RunConfig, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	path, err := chooseConfig(source, opts.Chooser, log)
	if err != nil {
		return RunConfig{}, err
	}

	values, err := readYAML(path)
	if err != nil {
		return RunConfig{}, err
	}

	applyOverrides(values, overrides)

	cfg := New(path, values)
	modelType, err := declaredModelType(cfg)
	if err != nil {
		return RunConfig{}, errorf(path, "base_model_config", "%v", err)
	}
	cfg = cfg.With("is_llama_derived_model", isLlamaDerived(cfg, modelType))

	if err := Validate(cfg); err != nil {
		return RunConfig{}, err
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	return Normalize(cfg, getenv)
}

// Candidates lists the *.yml files of dir, sorted.
func Candidates(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func chooseConfig(source string, chooser Chooser, log *slog.Logger) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", errorf(source, "", "%v", err)
	}
	if !info.IsDir() {
		return source, nil
	}

	candidates, err := Candidates(source)
	if err != nil {
		return "", errorf(source, "", "%v", err)
	}
	switch len(candidates) {
	case 0:
		return "", errorf(source, "", "no YAML config files found (are you using a .yml extension?)")
	case 1:
		log.Info("using default YAML file", "path", candidates[0])
		return candidates[0], nil
	}

	if chooser == nil {
		return "", errorf(source, "", "%d config files found and no way to choose: pass one explicitly", len(candidates))
	}
	chosen, err := chooser.Choose(candidates)
	if err != nil {
		return "", errorf(source, "", "choose config: %v", err)
	}
	for _, c := range candidates {
		if c == chosen {
			return chosen, nil
		}
	}
	return "", errorf(source, "", "chosen file %q is not a candidate", chosen)
}

func readYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorf(path, "", "%v", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errorf(path, "", "parse YAML: %v", err)
	}
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}

// applyOverrides writes overrides into values. A key that is not already
// present is accepted only when the config is not strict.
func applyOverrides(values map[string]any, overrides []Override) {
	strict := truthy(values["strict"])
	for _, o := range overrides {
		existing, present := values[o.Key]
		if !present && strict {
			continue
		}
		if _, isBool := existing.(bool); isBool {
			values[o.Key] = coerceBool(o.Value)
			continue
		}
		values[o.Key] = parseScalar(o.Value)
	}
}

// parseScalar reads raw the way it would read as a YAML value, falling back
// to the literal text.
func parseScalar(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

func coerceBool(raw string) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
		return b
	}
	return truthy(parseScalar(raw))
}

// declaredModelType reads model_type from the model's config.json when the
// model config location is a local directory.
func declaredModelType(cfg RunConfig) (string, error) {
	dir := cfg.String("base_model_config")
	if dir == "" {
		dir = cfg.String("base_model")
	}
	if dir == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		// Remote names and bare directories have no declared type.
		return "", nil
	}
	var mc struct {
		ModelType string `json:"model_type"`
	}
	if err := json.Unmarshal(data, &mc); err != nil {
		return "", fmt.Errorf("parse %s: %w", filepath.Join(dir, "config.json"), err)
	}
	return mc.ModelType, nil
}

func isLlamaDerived(cfg RunConfig, declaredType string) bool {
	return declaredType == "llama" ||
		cfg.Bool("is_llama_derived_model") ||
		strings.Contains(cfg.String("base_model"), "llama") ||
		strings.Contains(strings.ToLower(cfg.String("model_type")), "llama")
}
