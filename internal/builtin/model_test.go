package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/ftrun/internal/llm"
)

func tinyModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(ModelConfig{NLayer: 1, NEmbd: 8, NHead: 2, BlockSize: 24, VocabSize: NewCharTokenizer().VocabSize()}, 7)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func sampling(seed int64) llm.SamplingConfig {
	return llm.SamplingConfig{
		MaxNewTokens:      8,
		Temperature:       0.9,
		TopP:              0.95,
		TopK:              40,
		RepetitionPenalty: 1.1,
		DoSample:          true,
		UseCache:          true,
		EOS:               -1,
		Seed:              seed,
	}
}

func generate(t *testing.T, m llm.Model, prompt string) []int {
	t.Helper()
	ids := NewCharTokenizer().Encode(prompt)
	out, err := m.Generate(context.Background(), ids, sampling(3), nil)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func logitsAt(m *Model, ids []int) []float64 {
	cache := newKVCache(m.cfg.NLayer)
	var logits []*value
	for pos, id := range ids {
		logits = m.forward(id, pos, cache)
	}
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = l.data
	}
	return out
}

func assertClose(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("[%d] = %v, want %v (tol %v)", i, got[i], want[i], tol)
		}
	}
}

func TestNewModel_Validation(t *testing.T) {
	if _, err := NewModel(ModelConfig{NLayer: 1, NEmbd: 10, NHead: 4, BlockSize: 8, VocabSize: 5}, 1); err == nil {
		t.Error("expected error for n_embd not divisible by n_head")
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	m := tinyModel(t)
	a := generate(t, m, "ab")
	b := generate(t, m, "ab")
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Errorf("same seed gave %v and %v", a, b)
	}
	prompt := NewCharTokenizer().Encode("ab")
	if len(a) <= len(prompt) {
		t.Errorf("generated nothing: %v", a)
	}
	for i, id := range prompt {
		if a[i] != id {
			t.Fatalf("output does not start with the prompt: %v", a)
		}
	}
}

func TestGenerate_CacheMatchesRecompute(t *testing.T) {
	m := tinyModel(t)
	cached := generate(t, m, "hi")
	m.SetUseCache(false)
	recomputed := generate(t, m, "hi")
	if fmt.Sprint(cached) != fmt.Sprint(recomputed) {
		t.Errorf("cached %v != recomputed %v", cached, recomputed)
	}
}

type recordingStreamer struct {
	puts  [][]int
	ended bool
}

func (r *recordingStreamer) Put(ids []int) { r.puts = append(r.puts, ids) }
func (r *recordingStreamer) End()          { r.ended = true }

func TestGenerate_Streams(t *testing.T) {
	m := tinyModel(t)
	ids := NewCharTokenizer().Encode("x")
	s := &recordingStreamer{}
	out, err := m.Generate(context.Background(), ids, sampling(1), s)
	if err != nil {
		t.Fatal(err)
	}
	if !s.ended {
		t.Error("streamer not ended")
	}
	if len(s.puts) != 1+len(out)-len(ids) {
		t.Errorf("got %d puts for %d new tokens", len(s.puts), len(out)-len(ids))
	}
}

func TestGenerate_StopsAtEOS(t *testing.T) {
	m := tinyModel(t)
	sc := sampling(1)
	sc.DoSample = false
	ids := NewCharTokenizer().Encode("q")
	out, err := m.Generate(context.Background(), ids, sc, nil)
	if err != nil {
		t.Fatal(err)
	}
	// make the first greedy pick the EOS token
	sc.EOS = out[len(ids)]
	out, err = m.Generate(context.Background(), ids, sc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(ids)+1 {
		t.Errorf("len = %d, want %d", len(out), len(ids)+1)
	}
}

func TestGenerate_Cancelled(t *testing.T) {
	m := tinyModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Generate(ctx, NewCharTokenizer().Encode("a"), sampling(1), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestGenerate_OutOfVocab(t *testing.T) {
	m := tinyModel(t)
	if _, err := m.Generate(context.Background(), []int{m.cfg.VocabSize}, sampling(1), nil); err == nil {
		t.Error("expected error for an id outside the vocabulary")
	}
}

func TestSaveLoad_NativeRoundTrip(t *testing.T) {
	m := tinyModel(t)
	dir := t.TempDir()
	if err := m.Save(dir, llm.FormatNative); err != nil {
		t.Fatal(err)
	}
	if !IsModelDir(dir) {
		t.Fatal("IsModelDir = false after Save")
	}
	loaded, err := LoadModelDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(generate(t, loaded, "ab")) != fmt.Sprint(generate(t, m, "ab")) {
		t.Error("loaded model generates differently")
	}
}

func TestSaveLoad_Safetensors(t *testing.T) {
	m := tinyModel(t)
	dir := t.TempDir()
	if err := m.Save(dir, llm.FormatSafetensors); err != nil {
		t.Fatal(err)
	}
	if !fileExists(filepath.Join(dir, modelBase+safetensorsExt)) {
		t.Fatal("model.safetensors missing")
	}
	loaded, err := LoadModelDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	ids := NewCharTokenizer().Encode("abc")
	assertClose(t, logitsAt(loaded, ids), logitsAt(m, ids), 1e-4)
}

func TestToDType_Float16(t *testing.T) {
	m := tinyModel(t)
	if err := m.ToDType(llm.Float16); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := m.Save(dir, llm.FormatSafetensors); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadModelDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Config().TorchDType != "float16" {
		t.Errorf("dtype = %q", loaded.Config().TorchDType)
	}
	// float16 values survive a float16 file exactly
	if fmt.Sprint(generate(t, loaded, "ab")) != fmt.Sprint(generate(t, m, "ab")) {
		t.Error("float16 round trip changed generation")
	}
	if err := m.ToDType("int3"); err == nil {
		t.Error("expected error for unknown dtype")
	}
}

func TestFusedQKV_Reversible(t *testing.T) {
	m := tinyModel(t)
	ids := NewCharTokenizer().Encode("fuse")
	before := logitsAt(m, ids)
	want := generate(t, m, "ab")

	if err := m.ApplyTransform(TransformFusedQKV); err != nil {
		t.Fatal(err)
	}
	if got := m.AppliedTransforms(); len(got) != 1 {
		t.Fatalf("AppliedTransforms = %v", got)
	}
	if _, ok := m.w["layer0.attn_wq"]; ok {
		t.Error("attn_wq still present after fusing")
	}
	assertClose(t, logitsAt(m, ids), before, 0)

	if err := llm.ReverseTransforms(m); err != nil {
		t.Fatal(err)
	}
	if len(m.AppliedTransforms()) != 0 {
		t.Error("transform still applied after reverse")
	}
	if _, ok := m.w[fusedKey(0)]; ok {
		t.Error("fused matrix still present after reverse")
	}
	if fmt.Sprint(generate(t, m, "ab")) != fmt.Sprint(want) {
		t.Error("reverse did not restore the model")
	}
	if err := m.ApplyTransform("bettertransformer"); err == nil {
		t.Error("expected error for an unknown transform")
	}
}

func withTrainedLoRA(t *testing.T, m *Model, targets ...string) {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	if err := m.attachLoRA(&llm.AdapterConfig{Type: "LORA", R: 2, Alpha: 4, TargetModules: targets}, rng); err != nil {
		t.Fatal(err)
	}
	// pretend training moved B away from zero
	for _, p := range m.lora {
		for _, row := range p.b {
			for _, x := range row {
				x.data = rng.NormFloat64() * 0.1
			}
		}
	}
}

func TestLoRA_ZeroInitIsIdentity(t *testing.T) {
	m := tinyModel(t)
	ids := NewCharTokenizer().Encode("id")
	before := logitsAt(m, ids)
	if err := m.attachLoRA(&llm.AdapterConfig{R: 2, Alpha: 4, TargetModules: []string{"wq", "v_proj"}}, rand.New(rand.NewSource(1))); err != nil {
		t.Fatal(err)
	}
	assertClose(t, logitsAt(m, ids), before, 1e-12)
	if got := m.Adapter().TargetModules; fmt.Sprint(got) != "[attn_wq attn_wv]" {
		t.Errorf("TargetModules = %v", got)
	}
}

func TestLoRA_UnknownTarget(t *testing.T) {
	m := tinyModel(t)
	err := m.attachLoRA(&llm.AdapterConfig{R: 2, Alpha: 4, TargetModules: []string{"gate"}}, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Error("expected error for unknown target module")
	}
}

func TestMergeAndUnload(t *testing.T) {
	m := tinyModel(t)
	withTrainedLoRA(t, m, "wq", "wv", "fc1")
	ids := NewCharTokenizer().Encode("merge")
	want := logitsAt(m, ids)
	nParams := m.NumParams()

	merged, err := m.MergeAndUnload()
	if err != nil {
		t.Fatal(err)
	}
	mm := merged.(*Model)
	if mm.Adapter() != nil || len(mm.lora) != 0 {
		t.Error("adapter still attached after merge")
	}
	if mm.NumParams() >= nParams {
		t.Errorf("NumParams = %d, want fewer than %d", mm.NumParams(), nParams)
	}
	assertClose(t, logitsAt(mm, ids), want, 1e-9)
}

func TestMergeAndUnload_Fused(t *testing.T) {
	m := tinyModel(t)
	withTrainedLoRA(t, m, "wq", "wk")
	if err := m.ApplyTransform(TransformFusedQKV); err != nil {
		t.Fatal(err)
	}
	ids := NewCharTokenizer().Encode("fm")
	want := logitsAt(m, ids)
	if _, err := m.MergeAndUnload(); err != nil {
		t.Fatal(err)
	}
	assertClose(t, logitsAt(m, ids), want, 1e-9)
}

func TestSaveMerged_MatchesMerge(t *testing.T) {
	m := tinyModel(t)
	withTrainedLoRA(t, m, "wq", "wo")
	dir := t.TempDir()
	if err := m.saveMerged(dir, llm.FormatNative); err != nil {
		t.Fatal(err)
	}
	if m.Adapter() == nil {
		t.Fatal("saveMerged detached the adapter")
	}
	ids := NewCharTokenizer().Encode("sm")
	want := logitsAt(m, ids)

	loaded, err := LoadModelDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, logitsAt(loaded, ids), want, 1e-9)
}

func TestAdapterSaveLoad(t *testing.T) {
	m := tinyModel(t)
	withTrainedLoRA(t, m, "wq", "wv")
	ids := NewCharTokenizer().Encode("ad")
	want := logitsAt(m, ids)

	dir := t.TempDir()
	if err := m.Save(dir, llm.FormatSafetensors); err != nil {
		t.Fatal(err)
	}
	if !fileExists(filepath.Join(dir, llm.AdapterConfigFile)) {
		t.Fatal("adapter_config.json missing")
	}
	if IsModelDir(dir) {
		t.Error("adapter save wrote dense weights")
	}

	fresh := tinyModel(t)
	if err := fresh.loadAdapter(dir); err != nil {
		t.Fatal(err)
	}
	assertClose(t, logitsAt(fresh, ids), want, 1e-4)
}

func TestQuantize(t *testing.T) {
	m := tinyModel(t)
	if err := m.quantize(4); err != nil {
		t.Fatal(err)
	}
	row := m.w["layer0.attn_wq"][0]
	var absmax float64
	for _, p := range row {
		absmax = math.Max(absmax, math.Abs(p.data))
	}
	step := absmax / 7
	for _, p := range row {
		q := p.data / step
		if math.Abs(q-math.Round(q)) > 1e-9 {
			t.Fatalf("%v is not on the 4-bit grid", p.data)
		}
	}
	if m.Config().QuantizationBits != 4 {
		t.Errorf("QuantizationBits = %d", m.Config().QuantizationBits)
	}
	if err := m.quantize(3); err == nil {
		t.Error("expected error for 3-bit quantization")
	}
}

func TestResizeVocab(t *testing.T) {
	m := tinyModel(t)
	n := m.cfg.VocabSize
	m.resizeVocab(n+2, rand.New(rand.NewSource(1)))
	if len(m.w["wte"]) != n+2 || len(m.w["lm_head"]) != n+2 || m.cfg.VocabSize != n+2 {
		t.Errorf("vocab not resized: wte=%d lm_head=%d cfg=%d", len(m.w["wte"]), len(m.w["lm_head"]), m.cfg.VocabSize)
	}
}

func TestTo(t *testing.T) {
	m := tinyModel(t)
	for _, d := range []string{"cpu", "cuda:0", "auto"} {
		if err := m.To(d); err != nil {
			t.Errorf("To(%q) = %v", d, err)
		}
	}
	if err := m.To("tpu"); err == nil {
		t.Error("To(tpu) succeeded")
	}
}
