package builtin

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand"
	"slices"
	"strings"

	"github.com/x448/float16"

	"github.com/hochfrequenz/ftrun/internal/llm"
)

// TransformFusedQKV packs the q, k and v projections of every layer into one
// matrix so attention needs a single pass over the input.
const TransformFusedQKV = "fused_qkv"

type loraPair struct {
	a [][]*value // r x in
	b [][]*value // out x r
}

// Model is a small GPT held entirely in memory.
type Model struct {
	cfg      ModelConfig
	w        weights
	lora     map[string]*loraPair
	adapter  *llm.AdapterConfig
	applied  []string
	device   string
	training bool
	useCache bool
}

var (
	_ llm.Model         = (*Model)(nil)
	_ llm.Transformable = (*Model)(nil)
)

// NewModel initializes a model with random weights drawn from seed.
func NewModel(cfg ModelConfig, seed int64) (*Model, error) {
	if cfg.ModelType == "" {
		cfg.ModelType = "gpt"
	}
	if cfg.TorchDType == "" {
		cfg.TorchDType = string(llm.Float32)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	return &Model{cfg: cfg, w: initWeights(cfg, rng), device: "cpu", useCache: true}, nil
}

// Config returns the model architecture.
func (m *Model) Config() ModelConfig { return m.cfg }

// Adapter returns the attached adapter config, or nil.
func (m *Model) Adapter() *llm.AdapterConfig { return m.adapter }

// To moves the model to device. Every device runs on CPU kernels.
func (m *Model) To(device string) error {
	switch d := strings.ToLower(device); {
	case d == "" || d == "cpu" || d == "auto":
		m.device = "cpu"
	case d == "gpu" || d == "mps" || strings.HasPrefix(d, "cuda"):
		m.device = "cpu"
	default:
		return fmt.Errorf("unknown device %q", device)
	}
	return nil
}

func (m *Model) Eval()  { m.training = false }
func (m *Model) Train() { m.training = true }

func (m *Model) SetUseCache(enabled bool) { m.useCache = enabled }

func (m *Model) NumParams() int {
	n := m.w.count()
	for _, p := range m.lora {
		n += len(p.a)*len(p.a[0]) + len(p.b)*len(p.b[0])
	}
	return n
}

// trainable returns the parameters the optimizer updates: the adapter when
// one is attached, every weight otherwise.
func (m *Model) trainable() []*value {
	if len(m.lora) == 0 {
		return m.w.params()
	}
	var out []*value
	for _, name := range slices.Sorted(maps.Keys(m.lora)) {
		p := m.lora[name]
		for _, row := range p.a {
			out = append(out, row...)
		}
		for _, row := range p.b {
			out = append(out, row...)
		}
	}
	return out
}

// attachLoRA adds a fresh adapter: A random, B zero, so the model output is
// unchanged until training moves B.
func (m *Model) attachLoRA(ac *llm.AdapterConfig, rng *rand.Rand) error {
	if ac.R < 1 {
		return fmt.Errorf("lora_r must be at least 1, got %d", ac.R)
	}
	targets := make([]string, 0, len(ac.TargetModules))
	for _, t := range ac.TargetModules {
		mod, err := canonicalModule(t)
		if err != nil {
			return err
		}
		targets = append(targets, mod)
	}
	if len(targets) == 0 {
		return fmt.Errorf("lora_target_modules is empty")
	}
	ac.TargetModules = targets

	m.lora = make(map[string]*loraPair)
	for li := 0; li < m.cfg.NLayer; li++ {
		for _, mod := range targets {
			nout, nin := m.moduleShape(mod)
			m.lora[layerKey(li, mod)] = &loraPair{
				a: newMatrix(rng, ac.R, nin, 1/math.Sqrt(float64(nin))),
				b: newMatrix(rng, nout, ac.R, 0),
			}
		}
	}
	m.adapter = ac
	return nil
}

func (m *Model) moduleShape(mod string) (nout, nin int) {
	switch mod {
	case "mlp_fc1":
		return 4 * m.cfg.NEmbd, m.cfg.NEmbd
	case "mlp_fc2":
		return m.cfg.NEmbd, 4 * m.cfg.NEmbd
	}
	return m.cfg.NEmbd, m.cfg.NEmbd
}

// baseMatrix returns the rows of the base weight for a layer module, looking
// through the fused layout.
func (m *Model) baseMatrix(name string) [][]*value {
	if w, ok := m.w[name]; ok {
		return w
	}
	var li int
	var mod string
	if _, err := fmt.Sscanf(strings.Replace(name, ".", " ", 1), "layer%d %s", &li, &mod); err != nil {
		return nil
	}
	fused, ok := m.w[fusedKey(li)]
	if !ok {
		return nil
	}
	n := m.cfg.NEmbd
	switch mod {
	case "attn_wq":
		return fused[:n]
	case "attn_wk":
		return fused[n : 2*n]
	case "attn_wv":
		return fused[2*n:]
	}
	return nil
}

// mergeLoRA folds every adapter update into the base weights in place.
func (m *Model) mergeLoRA() {
	s := m.adapter.Scaling()
	for name, p := range m.lora {
		base := m.baseMatrix(name)
		for o := range base {
			for i := range base[o] {
				var d float64
				for r := range p.a {
					d += p.b[o][r].data * p.a[r][i].data
				}
				base[o][i].data += s * d
			}
		}
	}
}

// MergeAndUnload folds the adapter into the base weights and drops it.
// A model without an adapter is returned unchanged.
func (m *Model) MergeAndUnload() (llm.Model, error) {
	if m.adapter == nil {
		return m, nil
	}
	m.mergeLoRA()
	m.lora = nil
	m.adapter = nil
	return m, nil
}

// ToDType rounds every weight to dtype.
func (m *Model) ToDType(dtype llm.DType) error {
	switch dtype {
	case llm.Float32:
	case llm.Float16:
		for _, mat := range m.w {
			for _, row := range mat {
				for _, p := range row {
					p.data = float64(float16.Fromfloat32(float32(p.data)).Float32())
				}
			}
		}
	default:
		return fmt.Errorf("unsupported dtype %q", dtype)
	}
	m.cfg.TorchDType = string(dtype)
	return nil
}

// quantize rounds base weights to a symmetric absmax grid of the given bit
// width, row by row. Embeddings stay in full precision.
func (m *Model) quantize(bits int) error {
	if bits != 4 && bits != 8 {
		return fmt.Errorf("unsupported quantization width %d", bits)
	}
	levels := float64(int(1)<<(bits-1) - 1)
	for name, mat := range m.w {
		if name == "wte" || name == "wpe" {
			continue
		}
		for _, row := range mat {
			var absmax float64
			for _, p := range row {
				absmax = math.Max(absmax, math.Abs(p.data))
			}
			if absmax == 0 {
				continue
			}
			step := absmax / levels
			for _, p := range row {
				p.data = math.Round(p.data/step) * step
			}
		}
	}
	m.cfg.QuantizationBits = bits
	return nil
}

// resizeVocab grows the token embedding and output head to n rows.
func (m *Model) resizeVocab(n int, rng *rand.Rand) {
	if n <= m.cfg.VocabSize {
		return
	}
	extra := n - m.cfg.VocabSize
	m.w["wte"] = append(m.w["wte"], newMatrix(rng, extra, m.cfg.NEmbd, 0.08)...)
	m.w["lm_head"] = append(m.w["lm_head"], newMatrix(rng, extra, m.cfg.NEmbd, 0.08)...)
	m.cfg.VocabSize = n
}

func (m *Model) ApplyTransform(name string) error {
	if name != TransformFusedQKV {
		return fmt.Errorf("unknown transform %q", name)
	}
	if slices.Contains(m.applied, name) {
		return nil
	}
	for li := 0; li < m.cfg.NLayer; li++ {
		var fused [][]*value
		for _, mod := range []string{"attn_wq", "attn_wk", "attn_wv"} {
			fused = append(fused, m.w[layerKey(li, mod)]...)
			delete(m.w, layerKey(li, mod))
		}
		m.w[fusedKey(li)] = fused
	}
	m.applied = append(m.applied, name)
	return nil
}

// ReverseTransforms restores the standard layout. It is a no-op when no
// transform is applied.
func (m *Model) ReverseTransforms() error {
	for i := len(m.applied) - 1; i >= 0; i-- {
		if m.applied[i] != TransformFusedQKV {
			continue
		}
		n := m.cfg.NEmbd
		for li := 0; li < m.cfg.NLayer; li++ {
			fused, ok := m.w[fusedKey(li)]
			if !ok {
				continue
			}
			m.w[layerKey(li, "attn_wq")] = fused[:n:n]
			m.w[layerKey(li, "attn_wk")] = fused[n : 2*n : 2*n]
			m.w[layerKey(li, "attn_wv")] = fused[2*n:]
			delete(m.w, fusedKey(li))
		}
	}
	m.applied = nil
	return nil
}

func (m *Model) AppliedTransforms() []string { return slices.Clone(m.applied) }

// Generate samples up to sc.MaxNewTokens tokens after inputIDs. Generation
// stops at EOS or when the context window is full.
func (m *Model) Generate(ctx context.Context, inputIDs []int, sc llm.SamplingConfig, streamer llm.Streamer) ([]int, error) {
	if len(inputIDs) == 0 {
		return nil, fmt.Errorf("generate: empty input")
	}
	for _, id := range inputIDs {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("generate: token id %d outside vocabulary of %d", id, m.cfg.VocabSize)
		}
	}

	prompt := inputIDs
	if len(prompt) > m.cfg.BlockSize-1 {
		prompt = prompt[len(prompt)-(m.cfg.BlockSize-1):]
	}
	seq := slices.Clone(prompt)
	if streamer != nil {
		streamer.Put(slices.Clone(prompt))
		defer streamer.End()
	}

	rng := rand.New(rand.NewSource(sc.Seed))
	cache := newKVCache(m.cfg.NLayer)
	var logits []*value
	for pos, id := range seq {
		logits = m.forward(id, pos, cache)
	}

	for n := 0; n < sc.MaxNewTokens && len(seq) < m.cfg.BlockSize; n++ {
		if err := ctx.Err(); err != nil {
			return seq, err
		}
		if !m.useCache {
			cache = newKVCache(m.cfg.NLayer)
			for pos, id := range seq {
				logits = m.forward(id, pos, cache)
			}
		}
		next := sampleNext(logits, seq, sc, rng)
		seq = append(seq, next)
		if streamer != nil {
			streamer.Put([]int{next})
		}
		if next == sc.EOS {
			break
		}
		if m.useCache && len(seq) < m.cfg.BlockSize {
			logits = m.forward(next, len(seq)-1, cache)
		}
	}
	return seq, nil
}
