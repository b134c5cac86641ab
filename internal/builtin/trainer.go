package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/ftrun/internal/checkpoint"
	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
)

const trainerStateFile = "trainer_state.json"

type trainerState struct {
	GlobalStep int       `json:"global_step"`
	Loss       float64   `json:"loss"`
	AdamM      []float64 `json:"adam_m"`
	AdamV      []float64 `json:"adam_v"`
}

// Trainer runs Adam over the train split.
type Trainer struct {
	model *Model
	data  *llm.DatasetBundle
	log   *slog.Logger
	rng   *rand.Rand

	outputDir   string
	format      llm.Format
	coordinator bool

	lr, beta1, beta2, eps float64
	warmup, total         int
	perStep               int
	saveSteps             int
	reloraSteps           int

	step int
	m, v []float64
	loss float64
}

var _ llm.Trainer = (*Trainer)(nil)

func newTrainer(cfg config.RunConfig, in llm.TrainerInput, log *slog.Logger) (*Trainer, error) {
	model, ok := in.Model.(*Model)
	if !ok {
		return nil, fmt.Errorf("builtin trainer needs a builtin model, got %T", in.Model)
	}
	if in.Dataset == nil || len(in.Dataset.Train) == 0 {
		return nil, fmt.Errorf("no training examples")
	}
	format := llm.FormatFor(cfg)
	return &Trainer{
		model:       model,
		data:        in.Dataset,
		log:         log,
		rng:         rand.New(rand.NewSource(int64(cfg.Int("seed")))),
		outputDir:   cfg.String("output_dir"),
		format:      format,
		coordinator: cfg.IsCoordinator(),
		lr:          cfg.Float("learning_rate"),
		beta1:       cfg.Float("adam_beta1"),
		beta2:       cfg.Float("adam_beta2"),
		eps:         cfg.Float("adam_epsilon"),
		warmup:      cfg.Int("warmup_steps"),
		total:       max(1, in.Dataset.TotalSteps),
		perStep:     max(1, cfg.Int("micro_batch_size")*cfg.Int("gradient_accumulation_steps")),
		saveSteps:   cfg.Int("save_steps"),
		reloraSteps: cfg.Int("relora_steps"),
	}, nil
}

// Step is the number of optimizer steps taken so far.
func (t *Trainer) Step() int { return t.step }

// Train runs until TotalSteps optimizer steps are done or ctx is cancelled.
// Cancellation is checked between steps, so the model is never left halfway
// through an update.
func (t *Trainer) Train(ctx context.Context, resumeFrom string) error {
	params := t.model.trainable()
	t.m = make([]float64, len(params))
	t.v = make([]float64, len(params))
	if resumeFrom != "" {
		if err := t.resume(resumeFrom, len(params)); err != nil {
			return fmt.Errorf("resume from %s: %w", resumeFrom, err)
		}
		t.log.Info("resumed training", "checkpoint", resumeFrom, "step", t.step)
	}

	t.model.Train()
	defer t.model.Eval()

	for t.step < t.total {
		if err := ctx.Err(); err != nil {
			t.log.Info("training stopped", "step", t.step, "reason", err)
			return err
		}
		loss, err := t.trainStep(params)
		if err != nil {
			return err
		}
		t.loss = loss
		t.step++

		if t.step%10 == 0 || t.step == t.total || t.step == 1 {
			t.log.Info("step", "step", t.step, "total", t.total, "loss", fmt.Sprintf("%.4f", loss))
		}
		if t.reloraSteps > 0 && t.model.adapter != nil && t.step%t.reloraSteps == 0 && t.step < t.total {
			t.restartLoRA()
		}
		if t.saveSteps > 0 && t.step%t.saveSteps == 0 && t.coordinator {
			if err := t.saveCheckpoint(); err != nil {
				return err
			}
		}
	}

	if len(t.data.Eval) > 0 {
		t.log.Info("eval", "loss", fmt.Sprintf("%.4f", t.evalLoss()), "examples", len(t.data.Eval))
	}

	// a quantized base cannot be merged in place later, so the merged
	// weights are written now
	if t.reloraSteps > 0 && t.model.adapter != nil && t.model.cfg.QuantizationBits > 0 && t.coordinator {
		if err := t.model.saveMerged(t.outputDir, t.format); err != nil {
			return fmt.Errorf("save ReLoRA weights: %w", err)
		}
		t.log.Info("saved merged ReLoRA weights", "dir", t.outputDir)
	}
	return nil
}

func (t *Trainer) trainStep(params []*value) (float64, error) {
	var total float64
	counted := 0
	for k := 0; k < t.perStep; k++ {
		ex := t.data.Train[(t.step*t.perStep+k)%len(t.data.Train)]
		loss, err := t.model.exampleLoss(ex)
		if err != nil {
			return 0, err
		}
		if loss == nil {
			continue
		}
		backward(loss)
		total += loss.data
		counted++
	}
	if counted == 0 {
		t.zeroGrads()
		return 0, nil
	}

	lr := t.learningRate()
	n := float64(counted)
	stepNo := float64(t.step + 1)
	for i, p := range params {
		g := p.grad / n
		t.m[i] = t.beta1*t.m[i] + (1-t.beta1)*g
		t.v[i] = t.beta2*t.v[i] + (1-t.beta2)*g*g
		mHat := t.m[i] / (1 - math.Pow(t.beta1, stepNo))
		vHat := t.v[i] / (1 - math.Pow(t.beta2, stepNo))
		p.data -= lr * mHat / (math.Sqrt(vHat) + t.eps)
	}
	t.zeroGrads()
	return total / n, nil
}

// learningRate warms up linearly, then decays linearly to zero.
func (t *Trainer) learningRate() float64 {
	if t.warmup > 0 && t.step < t.warmup {
		return t.lr * float64(t.step+1) / float64(t.warmup)
	}
	return t.lr * (1 - float64(t.step)/float64(t.total))
}

func (t *Trainer) zeroGrads() {
	for _, mat := range t.model.w {
		for _, row := range mat {
			for _, p := range row {
				p.grad = 0
			}
		}
	}
	for _, p := range t.model.lora {
		for _, mat := range [][][]*value{p.a, p.b} {
			for _, row := range mat {
				for _, x := range row {
					x.grad = 0
				}
			}
		}
	}
}

// restartLoRA merges the adapter into the base weights and starts a fresh
// adapter in the same parameters, resetting the optimizer moments.
func (t *Trainer) restartLoRA() {
	t.model.mergeLoRA()
	for _, p := range t.model.lora {
		nin := len(p.a[0])
		std := 1 / math.Sqrt(float64(nin))
		for _, row := range p.a {
			for _, x := range row {
				x.data = t.rng.NormFloat64() * std
			}
		}
		for _, row := range p.b {
			for _, x := range row {
				x.data = 0
			}
		}
	}
	clear(t.m)
	clear(t.v)
	t.log.Info("ReLoRA restart", "step", t.step)
}

func (t *Trainer) evalLoss() float64 {
	var total float64
	n := 0
	for _, ex := range t.data.Eval {
		loss, err := t.model.exampleLoss(ex)
		if err != nil || loss == nil {
			continue
		}
		total += loss.data
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// exampleLoss is the mean next-token cross entropy over unmasked labels, or
// nil when every label is masked.
func (m *Model) exampleLoss(ex llm.Example) (*value, error) {
	n := min(len(ex.InputIDs)-1, m.cfg.BlockSize)
	cache := newKVCache(m.cfg.NLayer)
	var losses []*value
	for pos := 0; pos < n; pos++ {
		id, target := ex.InputIDs[pos], ex.Labels[pos+1]
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, m.cfg.VocabSize)
		}
		logits := m.forward(id, pos, cache)
		if target == llm.IgnoreIndex {
			continue
		}
		if target < 0 || target >= m.cfg.VocabSize {
			return nil, fmt.Errorf("label %d outside vocabulary of %d", target, m.cfg.VocabSize)
		}
		probs := softmax(logits)
		losses = append(losses, scale(logv(probs[target]), -1))
	}
	if len(losses) == 0 {
		return nil, nil
	}
	return scale(sum(losses), 1/float64(len(losses))), nil
}

func (t *Trainer) saveCheckpoint() error {
	dir := filepath.Join(t.outputDir, checkpoint.Dir(t.step))
	if err := t.model.Save(dir, t.format); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	data, err := json.Marshal(trainerState{GlobalStep: t.step, Loss: t.loss, AdamM: t.m, AdamV: t.v})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, trainerStateFile), data, 0o644); err != nil {
		return err
	}
	t.log.Debug("saved checkpoint", "dir", dir)
	return nil
}

// resume restores weights and optimizer state written by saveCheckpoint.
func (t *Trainer) resume(dir string, nParams int) error {
	data, err := os.ReadFile(filepath.Join(dir, trainerStateFile))
	if err != nil {
		return err
	}
	var st trainerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.AdamM) != nParams || len(st.AdamV) != nParams {
		return fmt.Errorf("optimizer state has %d params, model trains %d", len(st.AdamM), nParams)
	}

	if t.model.adapter != nil {
		state, err := readWeights(dir, adapterBase)
		if err != nil {
			return err
		}
		for name, p := range t.model.lora {
			if err := copyInto(p.a, state[name+".lora_A"]); err != nil {
				return fmt.Errorf("%s.lora_A: %w", name, err)
			}
			if err := copyInto(p.b, state[name+".lora_B"]); err != nil {
				return fmt.Errorf("%s.lora_B: %w", name, err)
			}
		}
	} else {
		state, err := readWeights(dir, modelBase)
		if err != nil {
			return err
		}
		for name, mat := range t.model.w {
			if err := copyInto(mat, state[name]); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	t.step = st.GlobalStep
	t.loss = st.Loss
	copy(t.m, st.AdamM)
	copy(t.v, st.AdamV)
	return nil
}

func copyInto(dst [][]*value, src [][]float64) error {
	if len(dst) != len(src) {
		return fmt.Errorf("have %d rows, checkpoint has %d", len(dst), len(src))
	}
	for i := range dst {
		if len(dst[i]) != len(src[i]) {
			return fmt.Errorf("row %d: have %d cols, checkpoint has %d", i, len(dst[i]), len(src[i]))
		}
		for j := range dst[i] {
			dst[i][j].data = src[i][j]
		}
	}
	return nil
}

// SaveModel writes the model to dir from the coordinating process only.
func (t *Trainer) SaveModel(dir string) error {
	if !t.coordinator {
		return nil
	}
	return t.model.Save(dir, t.format)
}
