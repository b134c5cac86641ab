package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

// Validate checks cfg for contradictory or missing settings. It reports
// every violation it finds; each one is a *Error.
func Validate(cfg RunConfig) error {
	src := cfg.Source()
	var errs []error
	fail := func(key, format string, args ...any) {
		errs = append(errs, errorf(src, key, format, args...))
	}

	if cfg.String("base_model") == "" {
		fail("base_model", "is required")
	}

	adapter := cfg.String("adapter")
	switch adapter {
	case "", "lora", "qlora":
	default:
		fail("adapter", "unknown adapter %q (want lora or qlora)", adapter)
	}

	in4, in8 := cfg.Bool("load_in_4bit"), cfg.Bool("load_in_8bit")
	if in4 && in8 {
		fail("load_in_8bit", "cannot be combined with load_in_4bit")
	}
	if adapter == "qlora" {
		if !in4 {
			fail("load_in_4bit", "qlora requires load_in_4bit")
		}
		if in8 {
			fail("load_in_8bit", "qlora cannot be used with load_in_8bit")
		}
		if cfg.Bool("fsdp") {
			fail("fsdp", "qlora is not supported with fsdp")
		}
	}

	if cfg.Int("batch_size") > 0 && cfg.Int("gradient_accumulation_steps") > 0 {
		fail("batch_size", "set either batch_size or gradient_accumulation_steps, not both")
	}
	if cfg.Int("micro_batch_size") < 1 {
		fail("micro_batch_size", "must be at least 1")
	}
	if v := cfg.Float("val_set_size"); v < 0 || v >= 1 {
		fail("val_set_size", "must be in [0, 1), got %v", v)
	}
	if cfg.Int("relora_steps") > 0 && adapter == "" {
		fail("relora_steps", "ReLoRA requires an adapter")
	}
	if nh := cfg.Int("n_head"); nh < 1 {
		fail("n_head", "must be at least 1")
	} else if cfg.Int("n_embd")%nh != 0 {
		fail("n_embd", "must be divisible by n_head (%d)", nh)
	}
	if cfg.Int("save_steps") < 0 {
		fail("save_steps", "must not be negative")
	}

	return errors.Join(errs...)
}

// Normalize fills defaults and derives computed settings. Rank and world size
// come from getenv and nowhere else.
func Normalize(cfg RunConfig, getenv func(string) string) (RunConfig, error) {
	src := cfg.Source()
	values := cfg.Values()
	for k, v := range Defaults {
		if _, ok := values[k]; !ok {
			values[k] = copyValue(v)
		}
	}
	c := RunConfig{source: src, values: values}

	if c.String("base_model_config") == "" {
		values["base_model_config"] = c.String("base_model")
	}
	if c.String("tokenizer_config") == "" {
		values["tokenizer_config"] = c.String("base_model_config")
	}

	micro := c.Int("micro_batch_size")
	accum := c.Int("gradient_accumulation_steps")
	batch := c.Int("batch_size")
	if accum <= 0 {
		accum = 1
		if batch > 0 {
			accum = max(1, batch/micro)
		}
	}
	if batch <= 0 {
		batch = micro * accum
	}

	worldSize, err := envInt(getenv, "WORLD_SIZE", 1)
	if err != nil {
		return RunConfig{}, errorf(src, "world_size", "%v", err)
	}
	localRank, err := envInt(getenv, "LOCAL_RANK", 0)
	if err != nil {
		return RunConfig{}, errorf(src, "local_rank", "%v", err)
	}
	values["world_size"] = worldSize
	values["local_rank"] = localRank

	ddp := worldSize > 1
	if cfg.Has("ddp") {
		ddp = cfg.Bool("ddp")
	}
	values["ddp"] = ddp
	if ddp && worldSize > 1 {
		accum = max(1, accum/worldSize)
	}
	values["gradient_accumulation_steps"] = accum
	values["batch_size"] = batch

	switch {
	case c.Bool("bf16"):
		values["torch_dtype"] = "bfloat16"
	case c.Bool("fp16"):
		values["torch_dtype"] = "float16"
	default:
		values["torch_dtype"] = "float32"
	}

	if c.String("device") == "" {
		values["device"] = "cpu"
	}

	out, err := filepath.Abs(ExpandPath(c.String("output_dir")))
	if err != nil {
		return RunConfig{}, errorf(src, "output_dir", "%v", err)
	}
	values["output_dir"] = out

	return c, nil
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer", key, raw)
	}
	return n, nil
}
