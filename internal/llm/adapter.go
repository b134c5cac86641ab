package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AdapterConfigFile is the file name an adapter config is saved under.
const AdapterConfigFile = "adapter_config.json"

// AdapterConfig describes a parameter-efficient adapter attached to a model.
type AdapterConfig struct {
	Type          string   `json:"peft_type"`
	BaseModel     string   `json:"base_model_name_or_path"`
	R             int      `json:"r"`
	Alpha         int      `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
}

// Scaling returns alpha / r, the factor applied to the low-rank update.
func (a *AdapterConfig) Scaling() float64 {
	if a == nil || a.R == 0 {
		return 0
	}
	return float64(a.Alpha) / float64(a.R)
}

// Save writes adapter_config.json into dir.
func (a *AdapterConfig) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create adapter dir: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, AdapterConfigFile), data, 0o644)
}

// LoadAdapterConfig reads adapter_config.json from dir.
func LoadAdapterConfig(dir string) (*AdapterConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, AdapterConfigFile))
	if err != nil {
		return nil, err
	}
	var a AdapterConfig
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse %s: %w", AdapterConfigFile, err)
	}
	return &a, nil
}
