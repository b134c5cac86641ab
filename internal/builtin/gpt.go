package builtin

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// ModelConfig is the architecture written to config.json.
type ModelConfig struct {
	ModelType        string `json:"model_type"`
	NLayer           int    `json:"n_layer"`
	NEmbd            int    `json:"n_embd"`
	NHead            int    `json:"n_head"`
	BlockSize        int    `json:"block_size"`
	VocabSize        int    `json:"vocab_size"`
	TorchDType       string `json:"torch_dtype"`
	QuantizationBits int    `json:"quantization_bits,omitempty"`
}

func (c ModelConfig) validate() error {
	if c.NLayer < 1 || c.NEmbd < 1 || c.NHead < 1 || c.BlockSize < 2 || c.VocabSize < 1 {
		return fmt.Errorf("invalid model config %+v", c)
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("n_embd (%d) must be divisible by n_head (%d)", c.NEmbd, c.NHead)
	}
	return nil
}

// modules are the per-layer projections, in a fixed order.
var modules = []string{"attn_wq", "attn_wk", "attn_wv", "attn_wo", "mlp_fc1", "mlp_fc2"}

var moduleAliases = map[string]string{
	"wq": "attn_wq", "q_proj": "attn_wq",
	"wk": "attn_wk", "k_proj": "attn_wk",
	"wv": "attn_wv", "v_proj": "attn_wv",
	"wo": "attn_wo", "o_proj": "attn_wo",
	"fc1": "mlp_fc1", "up_proj": "mlp_fc1",
	"fc2": "mlp_fc2", "down_proj": "mlp_fc2",
}

// canonicalModule maps a target module name to a layer module.
func canonicalModule(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if m, ok := moduleAliases[name]; ok {
		return m, nil
	}
	for _, m := range modules {
		if m == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown target module %q", name)
}

func layerKey(layer int, module string) string {
	return fmt.Sprintf("layer%d.%s", layer, module)
}

func fusedKey(layer int) string { return layerKey(layer, "attn_wqkv") }

// weights is the named parameter set of a model.
type weights map[string][][]*value

func newMatrix(rng *rand.Rand, nout, nin int, std float64) [][]*value {
	m := make([][]*value, nout)
	for o := range m {
		row := make([]*value, nin)
		for i := range row {
			if std == 0 {
				row[i] = v(0)
			} else {
				row[i] = v(rng.NormFloat64() * std)
			}
		}
		m[o] = row
	}
	return m
}

func initWeights(cfg ModelConfig, rng *rand.Rand) weights {
	const std = 0.08
	w := weights{
		"wte":     newMatrix(rng, cfg.VocabSize, cfg.NEmbd, std),
		"wpe":     newMatrix(rng, cfg.BlockSize, cfg.NEmbd, std),
		"lm_head": newMatrix(rng, cfg.VocabSize, cfg.NEmbd, std),
	}
	for li := 0; li < cfg.NLayer; li++ {
		for _, m := range modules {
			nout, nin := cfg.NEmbd, cfg.NEmbd
			switch m {
			case "mlp_fc1":
				nout = 4 * cfg.NEmbd
			case "mlp_fc2":
				nin = 4 * cfg.NEmbd
			}
			w[layerKey(li, m)] = newMatrix(rng, nout, nin, std)
		}
	}
	return w
}

// names returns the parameter names in a stable order.
func (w weights) names() []string {
	out := make([]string, 0, len(w))
	for k := range w {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// params flattens w in name order.
func (w weights) params() []*value {
	var out []*value
	for _, name := range w.names() {
		for _, row := range w[name] {
			out = append(out, row...)
		}
	}
	return out
}

func (w weights) count() int {
	n := 0
	for _, m := range w {
		for _, row := range m {
			n += len(row)
		}
	}
	return n
}

func (w weights) export() map[string][][]float64 {
	out := make(map[string][][]float64, len(w))
	for name, m := range w {
		rows := make([][]float64, len(m))
		for i, row := range m {
			r := make([]float64, len(row))
			for j, p := range row {
				r[j] = p.data
			}
			rows[i] = r
		}
		out[name] = rows
	}
	return out
}

func importWeights(src map[string][][]float64) weights {
	out := make(weights, len(src))
	for name, m := range src {
		rows := make([][]*value, len(m))
		for i, row := range m {
			r := make([]*value, len(row))
			for j, x := range row {
				r[j] = v(x)
			}
			rows[i] = r
		}
		out[name] = rows
	}
	return out
}

// kvCache holds per-layer keys and values of the positions seen so far.
type kvCache struct {
	keys   [][][]*value
	values [][][]*value
}

func newKVCache(nLayer int) *kvCache {
	return &kvCache{keys: make([][][]*value, nLayer), values: make([][][]*value, nLayer)}
}

// forward runs one position through the network and returns the logits.
func (m *Model) forward(tokenID, pos int, cache *kvCache) []*value {
	cfg := m.cfg
	headDim := cfg.NEmbd / cfg.NHead

	tok := m.w["wte"][tokenID]
	pe := m.w["wpe"][pos]
	x := make([]*value, len(tok))
	for i := range tok {
		x[i] = add(tok[i], pe[i])
	}
	x = rmsnorm(x)

	for li := 0; li < cfg.NLayer; li++ {
		residual := x
		x = rmsnorm(x)
		q, k, val := m.qkv(li, x)
		cache.keys[li] = append(cache.keys[li], k)
		cache.values[li] = append(cache.values[li], val)

		attn := make([]*value, 0, cfg.NEmbd)
		for h := 0; h < cfg.NHead; h++ {
			hs := h * headDim
			qh := q[hs : hs+headDim]

			logits := make([]*value, len(cache.keys[li]))
			for t, kt := range cache.keys[li] {
				terms := make([]*value, headDim)
				for j := 0; j < headDim; j++ {
					terms[j] = mul(qh[j], kt[hs+j])
				}
				logits[t] = scale(sum(terms), 1/math.Sqrt(float64(headDim)))
			}
			probs := softmax(logits)

			for j := 0; j < headDim; j++ {
				terms := make([]*value, len(probs))
				for t, p := range probs {
					terms[t] = mul(p, cache.values[li][t][hs+j])
				}
				attn = append(attn, sum(terms))
			}
		}

		x = m.project(layerKey(li, "attn_wo"), attn)
		for i := range x {
			x[i] = add(x[i], residual[i])
		}

		residual = x
		x = rmsnorm(x)
		x = m.project(layerKey(li, "mlp_fc1"), x)
		for i := range x {
			x[i] = relu(x[i])
		}
		x = m.project(layerKey(li, "mlp_fc2"), x)
		for i := range x {
			x[i] = add(x[i], residual[i])
		}
	}

	return linear(x, m.w["lm_head"])
}

// qkv computes the attention projections, from the fused matrix when the
// fused layout is active.
func (m *Model) qkv(li int, x []*value) (q, k, val []*value) {
	fused, ok := m.w[fusedKey(li)]
	if !ok {
		return m.project(layerKey(li, "attn_wq"), x),
			m.project(layerKey(li, "attn_wk"), x),
			m.project(layerKey(li, "attn_wv"), x)
	}
	out := linear(x, fused)
	n := m.cfg.NEmbd
	q = m.addLoRA(layerKey(li, "attn_wq"), x, out[:n])
	k = m.addLoRA(layerKey(li, "attn_wk"), x, out[n:2*n])
	val = m.addLoRA(layerKey(li, "attn_wv"), x, out[2*n:])
	return q, k, val
}

func (m *Model) project(name string, x []*value) []*value {
	return m.addLoRA(name, x, linear(x, m.w[name]))
}

// addLoRA adds the low-rank update scaling * B(Ax) to base when name carries
// an adapter.
func (m *Model) addLoRA(name string, x, base []*value) []*value {
	pair, ok := m.lora[name]
	if !ok {
		return base
	}
	delta := linear(linear(x, pair.a), pair.b)
	s := m.adapter.Scaling()
	out := make([]*value, len(base))
	for i := range base {
		out[i] = add(base[i], scale(delta[i], s))
	}
	return out
}
