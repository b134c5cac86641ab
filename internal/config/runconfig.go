package config

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strconv"
)

// Defaults are the values RunConfig getters fall back to when a key is absent.
var Defaults = map[string]any{
	"backend":                      "builtin",
	"base_model":                   "",
	"base_model_config":            "",
	"tokenizer_config":             "",
	"tokenizer_type":               "char",
	"tokenizer_vocab":              "",
	"model_type":                   "",
	"is_llama_derived_model":       false,
	"strict":                       false,
	"debug":                        false,
	"adapter":                      "",
	"lora_model_dir":               "",
	"lora_r":                       8,
	"lora_alpha":                   16,
	"lora_dropout":                 0.0,
	"lora_target_modules":          []any{"wq", "wv"},
	"load_in_4bit":                 false,
	"load_in_8bit":                 false,
	"bf16":                         false,
	"fp16":                         false,
	"flash_optimum":                false,
	"fsdp":                         false,
	"relora_steps":                 0,
	"datasets":                     []any{},
	"dataset_prepared_path":        "last_run_prepared",
	"val_set_size":                 0.0,
	"sequence_len":                 64,
	"micro_batch_size":             1,
	"batch_size":                   0,
	"gradient_accumulation_steps":  0,
	"num_epochs":                   1,
	"max_steps":                    0,
	"learning_rate":                0.01,
	"adam_beta1":                   0.85,
	"adam_beta2":                   0.99,
	"adam_epsilon":                 1e-8,
	"train_on_inputs":              false,
	"tokens":                       []any{},
	"warmup_steps":                 0,
	"save_steps":                   0,
	"seed":                         42,
	"n_layer":                      1,
	"n_embd":                       16,
	"n_head":                       4,
	"output_dir":                   "./model-out",
	"resume_from_checkpoint":       "",
	"auto_resume_from_checkpoints": false,
	"save_safetensors":             false,
	"special_tokens":               map[string]any{},
	"group_by_length":              false,
	"device":                       "cpu",
	"world_size":                   1,
	"local_rank":                   0,
	"ddp":                          false,
	"torch_dtype":                  "float32",
}

// RunConfig is the resolved run configuration. It is immutable: getters hand
// out copies and the only way to derive a different config is With.
type RunConfig struct {
	source string
	values map[string]any
}

// New wraps values as a RunConfig. values is copied.
func New(source string, values map[string]any) RunConfig {
	return RunConfig{source: source, values: copyMap(values)}
}

// Source is the file the config was read from, or "" for literal configs.
func (c RunConfig) Source() string { return c.source }

// Has reports whether key was set explicitly.
func (c RunConfig) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Get returns the explicit value of key or its default.
func (c RunConfig) Get(key string) (any, bool) {
	if v, ok := c.values[key]; ok {
		return copyValue(v), true
	}
	v, ok := Defaults[key]
	return copyValue(v), ok
}

// Keys returns the explicitly set keys, sorted.
func (c RunConfig) Keys() []string {
	keys := slices.Collect(maps.Keys(c.values))
	sort.Strings(keys)
	return keys
}

// Values returns a deep copy of the explicitly set values.
func (c RunConfig) Values() map[string]any { return copyMap(c.values) }

// With returns a copy of c with key set to v.
func (c RunConfig) With(key string, v any) RunConfig {
	values := copyMap(c.values)
	values[key] = v
	return RunConfig{source: c.source, values: values}
}

func (c RunConfig) String(key string) string {
	v, _ := c.Get(key)
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// Bool returns the boolean value of key. Non-boolean values are read by
// truthiness.
func (c RunConfig) Bool(key string) bool {
	v, _ := c.Get(key)
	return truthy(v)
}

func (c RunConfig) Int(key string) int {
	v, _ := c.Get(key)
	n, _ := toInt(v)
	return n
}

func (c RunConfig) Float(key string) float64 {
	v, _ := c.Get(key)
	f, _ := toFloat(v)
	return f
}

// Strings returns a list value. A scalar string is a one-element list.
func (c RunConfig) Strings(key string) []string {
	v, _ := c.Get(key)
	switch l := v.(type) {
	case nil:
		return nil
	case string:
		if l == "" {
			return nil
		}
		return []string{l}
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// Map returns a nested mapping value, or an empty map.
func (c RunConfig) Map(key string) map[string]any {
	v, _ := c.Get(key)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Maps returns a list of nested mappings, skipping non-mapping entries.
func (c RunConfig) Maps(key string) []map[string]any {
	v, _ := c.Get(key)
	l, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range l {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// IsCoordinator reports whether this process is local rank 0.
func (c RunConfig) IsCoordinator() bool { return c.Int("local_rank") == 0 }

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case []any:
		return len(b) > 0
	case []string:
		return len(b) > 0
	case map[string]any:
		return len(b) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return slices.Clone(t)
	}
	return v
}
