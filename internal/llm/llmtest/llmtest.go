// Package llmtest provides recording fakes of the llm contracts for
// orchestration tests.
package llmtest

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
)

// Recorder collects the calls made on fakes, in order.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) Record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Has reports whether an event starting with prefix was recorded.
func (r *Recorder) Has(prefix string) bool {
	return r.Count(prefix) > 0
}

// Count returns how many events start with prefix.
func (r *Recorder) Count(prefix string) int {
	n := 0
	for _, e := range r.Events() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// Tokenizer maps each byte to its value. Special tokens follow the 256
// byte ids.
type Tokenizer struct {
	Rec     *Recorder
	special map[string]string
	added   []string
}

var _ llm.Tokenizer = (*Tokenizer)(nil)

func NewTokenizer(rec *Recorder) *Tokenizer {
	return &Tokenizer{Rec: rec, special: map[string]string{}}
}

func (t *Tokenizer) AddSpecialTokens(tokens map[string]string) int {
	n := 0
	for _, role := range slices.Sorted(maps.Keys(tokens)) {
		sym := tokens[role]
		t.special[role] = sym
		if !slices.Contains(t.added, sym) {
			t.added = append(t.added, sym)
			n++
		}
	}
	t.Rec.Record("add_special_tokens %d", n)
	return n
}

// Special returns the symbol bound to role.
func (t *Tokenizer) Special(role string) string { return t.special[role] }

func (t *Tokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	return ids
}

func (t *Tokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		switch {
		case id >= 0 && id < 256:
			b.WriteByte(byte(id))
		case id >= 256 && id-256 < len(t.added):
			b.WriteString(t.added[id-256])
		}
	}
	return b.String()
}

func (t *Tokenizer) Save(dir string) error {
	t.Rec.Record("tokenizer.save %s", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "tokenizer.txt"), []byte(strings.Join(t.added, "\n")), 0o644)
}

func (t *Tokenizer) VocabSize() int { return 256 + len(t.added) }

func (t *Tokenizer) roleID(role string) int {
	if i := slices.Index(t.added, t.special[role]); i >= 0 && t.special[role] != "" {
		return 256 + i
	}
	return -1
}

func (t *Tokenizer) BOS() int { return t.roleID("bos_token") }
func (t *Tokenizer) EOS() int { return t.roleID("eos_token") }
func (t *Tokenizer) Pad() int { return t.roleID("pad_token") }

// Model records every call. Generate echoes the prompt followed by Reply.
type Model struct {
	Rec     *Recorder
	Reply   []int
	SaveErr error
	applied []string
}

var (
	_ llm.Model         = (*Model)(nil)
	_ llm.Transformable = (*Model)(nil)
)

func NewModel(rec *Recorder) *Model { return &Model{Rec: rec} }

func (m *Model) Generate(ctx context.Context, inputIDs []int, sc llm.SamplingConfig, streamer llm.Streamer) ([]int, error) {
	m.Rec.Record("generate max=%d temp=%v top_p=%v top_k=%d rep=%v", sc.MaxNewTokens, sc.Temperature, sc.TopP, sc.TopK, sc.RepetitionPenalty)
	out := slices.Clone(inputIDs)
	if streamer != nil {
		streamer.Put(slices.Clone(inputIDs))
		defer streamer.End()
	}
	for _, id := range m.Reply {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, id)
		if streamer != nil {
			streamer.Put([]int{id})
		}
	}
	return out, nil
}

func (m *Model) To(device string) error {
	m.Rec.Record("to %s", device)
	return nil
}

func (m *Model) Eval()  { m.Rec.Record("eval") }
func (m *Model) Train() { m.Rec.Record("train") }

func (m *Model) MergeAndUnload() (llm.Model, error) {
	m.Rec.Record("merge_and_unload")
	return m, nil
}

func (m *Model) ToDType(dtype llm.DType) error {
	m.Rec.Record("to_dtype %s", dtype)
	return nil
}

// Save records the call and writes a marker file so callers can check the
// output directory.
func (m *Model) Save(dir string, format llm.Format) error {
	m.Rec.Record("model.save %s %s transforms=%d", dir, format, len(m.applied))
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "model.json"), []byte("{}"), 0o644)
}

func (m *Model) SetUseCache(enabled bool) { m.Rec.Record("use_cache %v", enabled) }
func (m *Model) NumParams() int           { return 1234 }

func (m *Model) ApplyTransform(name string) error {
	m.Rec.Record("apply_transform %s", name)
	m.applied = append(m.applied, name)
	return nil
}

func (m *Model) ReverseTransforms() error {
	m.Rec.Record("reverse_transforms %d", len(m.applied))
	m.applied = nil
	return nil
}

func (m *Model) AppliedTransforms() []string { return slices.Clone(m.applied) }

// Trainer records Train and SaveModel. TrainFunc, when set, runs inside
// Train and decides its result.
type Trainer struct {
	Rec       *Recorder
	TrainFunc func(ctx context.Context) error
}

var _ llm.Trainer = (*Trainer)(nil)

func (t *Trainer) Train(ctx context.Context, resumeFrom string) error {
	t.Rec.Record("trainer.train resume=%q", resumeFrom)
	if t.TrainFunc != nil {
		return t.TrainFunc(ctx)
	}
	return nil
}

func (t *Trainer) SaveModel(dir string) error {
	t.Rec.Record("trainer.save_model %s", dir)
	return nil
}

// Backend hands out the fakes above. The *Err fields make the matching
// call fail.
type Backend struct {
	Rec       *Recorder
	Tokenizer *Tokenizer
	Model     *Model
	Trainer   *Trainer
	Adapter   *llm.AdapterConfig
	Dataset   *llm.DatasetBundle

	TokenizerErr error
	ModelErr     error
	DatasetErr   error
}

var _ llm.Backend = (*Backend)(nil)

// NewBackend returns a backend whose fakes share one Recorder. The dataset
// has two train rows and one eval row.
func NewBackend() *Backend {
	rec := &Recorder{}
	return &Backend{
		Rec:       rec,
		Tokenizer: NewTokenizer(rec),
		Model:     NewModel(rec),
		Trainer:   &Trainer{Rec: rec},
		Dataset: &llm.DatasetBundle{
			Train: []llm.Example{
				{InputIDs: []int{104, 105}, Labels: []int{llm.IgnoreIndex, 105}},
				{InputIDs: []int{111, 107}, Labels: []int{111, 107}},
			},
			Eval:       []llm.Example{{InputIDs: []int{120, 121}, Labels: []int{120, 121}}},
			TotalSteps: 2,
		},
	}
}

func (b *Backend) LoadTokenizer(cfg config.RunConfig) (llm.Tokenizer, error) {
	b.Rec.Record("load_tokenizer")
	if b.TokenizerErr != nil {
		return nil, b.TokenizerErr
	}
	return b.Tokenizer, nil
}

func (b *Backend) LoadModel(cfg config.RunConfig, tok llm.Tokenizer, inference bool) (llm.Model, *llm.AdapterConfig, error) {
	b.Rec.Record("load_model inference=%v", inference)
	if b.ModelErr != nil {
		return nil, nil, b.ModelErr
	}
	if cfg.Bool("flash_optimum") {
		if err := b.Model.ApplyTransform("fused_qkv"); err != nil {
			return nil, nil, err
		}
	}
	return b.Model, b.Adapter, nil
}

func (b *Backend) PrepareDataset(ctx context.Context, cfg config.RunConfig, tok llm.Tokenizer) (*llm.DatasetBundle, error) {
	b.Rec.Record("prepare_dataset")
	if b.DatasetErr != nil {
		return nil, b.DatasetErr
	}
	return b.Dataset, nil
}

func (b *Backend) NewTrainer(cfg config.RunConfig, in llm.TrainerInput) (llm.Trainer, error) {
	b.Rec.Record("new_trainer")
	return b.Trainer, nil
}
