package builtin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/ftrun/internal/llm"
)

const (
	configFile     = "config.json"
	modelBase      = "model"
	adapterBase    = "adapter_model"
	safetensorsExt = ".safetensors"
	nativeExt      = ".json"
)

type nativeState struct {
	State map[string][][]float64 `json:"state"`
}

// Save writes the model to dir. With an adapter attached only the adapter is
// written, next to its adapter_config.json.
func (m *Model) Save(dir string, format llm.Format) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if m.adapter != nil {
		if err := m.adapter.Save(dir); err != nil {
			return err
		}
		return writeWeights(dir, adapterBase, format, m.exportLoRA(), false)
	}
	return m.saveDense(dir, format, m.w.export())
}

// saveMerged writes the base weights with the adapter folded in, leaving the
// in-memory model untouched.
func (m *Model) saveMerged(dir string, format llm.Format) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	state := m.w.export()
	if m.adapter != nil {
		s := m.adapter.Scaling()
		for name, p := range m.lora {
			target := name
			rowOffset := 0
			if _, ok := state[name]; !ok {
				// fused layout
				var li int
				var mod string
				fmt.Sscanf(strings.Replace(name, ".", " ", 1), "layer%d %s", &li, &mod)
				target = fusedKey(li)
				switch mod {
				case "attn_wk":
					rowOffset = m.cfg.NEmbd
				case "attn_wv":
					rowOffset = 2 * m.cfg.NEmbd
				}
			}
			base := state[target]
			for o := range p.b {
				for i := range p.a[0] {
					var d float64
					for r := range p.a {
						d += p.b[o][r].data * p.a[r][i].data
					}
					base[rowOffset+o][i] += s * d
				}
			}
		}
	}
	return m.saveDense(dir, format, state)
}

func (m *Model) saveDense(dir string, format llm.Format, state map[string][][]float64) error {
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), data, 0o644); err != nil {
		return err
	}
	return writeWeights(dir, modelBase, format, state, m.cfg.TorchDType == string(llm.Float16))
}

func (m *Model) exportLoRA() map[string][][]float64 {
	out := make(map[string][][]float64, 2*len(m.lora))
	for name, p := range m.lora {
		out[name+".lora_A"] = weights{"a": p.a}.export()["a"]
		out[name+".lora_B"] = weights{"b": p.b}.export()["b"]
	}
	return out
}

func writeWeights(dir, base string, format llm.Format, tensors map[string][][]float64, half bool) error {
	switch format {
	case llm.FormatSafetensors:
		return writeSafetensors(filepath.Join(dir, base+safetensorsExt), tensors, half, map[string]string{"format": "pt"})
	case llm.FormatNative, "":
		data, err := json.Marshal(nativeState{State: tensors})
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, base+nativeExt), data, 0o644)
	}
	return fmt.Errorf("unknown save format %q", format)
}

// readWeights loads base.safetensors or base.json from dir, preferring
// safetensors.
func readWeights(dir, base string) (map[string][][]float64, error) {
	st := filepath.Join(dir, base+safetensorsExt)
	if _, err := os.Stat(st); err == nil {
		return readSafetensors(st)
	}
	data, err := os.ReadFile(filepath.Join(dir, base+nativeExt))
	if err != nil {
		return nil, err
	}
	var ns nativeState
	if err := json.Unmarshal(data, &ns); err != nil {
		return nil, fmt.Errorf("parse %s: %w", base+nativeExt, err)
	}
	return ns.State, nil
}

func hasWeights(dir, base string) bool {
	for _, ext := range []string{safetensorsExt, nativeExt} {
		if _, err := os.Stat(filepath.Join(dir, base+ext)); err == nil {
			return true
		}
	}
	return false
}

// IsModelDir reports whether dir holds a saved dense model.
func IsModelDir(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, configFile)); err != nil {
		return false
	}
	return hasWeights(dir, modelBase)
}

// LoadModelDir loads a dense model saved by Save.
func LoadModelDir(dir string) (*Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, err
	}
	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configFile, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	state, err := readWeights(dir, modelBase)
	if err != nil {
		return nil, err
	}

	m := &Model{cfg: cfg, w: importWeights(state), device: "cpu", useCache: true}
	if _, fused := m.w[fusedKey(0)]; fused {
		m.applied = []string{TransformFusedQKV}
	}
	if err := m.checkShapes(); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return m, nil
}

func (m *Model) checkShapes() error {
	want := map[string][2]int{
		"wte":     {m.cfg.VocabSize, m.cfg.NEmbd},
		"wpe":     {m.cfg.BlockSize, m.cfg.NEmbd},
		"lm_head": {m.cfg.VocabSize, m.cfg.NEmbd},
	}
	for li := 0; li < m.cfg.NLayer; li++ {
		for _, mod := range modules {
			nout, nin := m.moduleShape(mod)
			name := layerKey(li, mod)
			if len(m.applied) > 0 && (mod == "attn_wq" || mod == "attn_wk" || mod == "attn_wv") {
				want[fusedKey(li)] = [2]int{3 * m.cfg.NEmbd, m.cfg.NEmbd}
				continue
			}
			want[name] = [2]int{nout, nin}
		}
	}
	for name, shape := range want {
		mat, ok := m.w[name]
		if !ok {
			return fmt.Errorf("missing tensor %s", name)
		}
		cols := 0
		if len(mat) > 0 {
			cols = len(mat[0])
		}
		if len(mat) != shape[0] || cols != shape[1] {
			return fmt.Errorf("tensor %s has shape [%d %d], want %v", name, len(mat), cols, shape)
		}
	}
	return nil
}

// loadAdapter attaches the adapter saved in dir.
func (m *Model) loadAdapter(dir string) error {
	ac, err := llm.LoadAdapterConfig(dir)
	if err != nil {
		return err
	}
	state, err := readWeights(dir, adapterBase)
	if err != nil {
		return err
	}
	m.lora = make(map[string]*loraPair)
	for key, a := range state {
		name, ok := strings.CutSuffix(key, ".lora_A")
		if !ok {
			continue
		}
		b, ok := state[name+".lora_B"]
		if !ok {
			return fmt.Errorf("adapter tensor %s.lora_B missing", name)
		}
		if m.baseMatrix(name) == nil {
			return fmt.Errorf("adapter targets unknown module %s", name)
		}
		m.lora[name] = &loraPair{
			a: importWeights(map[string][][]float64{"a": a})["a"],
			b: importWeights(map[string][][]float64{"b": b})["b"],
		}
	}
	if len(m.lora) == 0 {
		return fmt.Errorf("adapter in %s has no weights", dir)
	}
	m.adapter = ac
	return nil
}
