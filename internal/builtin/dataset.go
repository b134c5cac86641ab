package builtin

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/llm"
	"github.com/hochfrequenz/ftrun/internal/prompts"
)

const preparedFile = "prepared.json"

// DatasetSpec is one entry of the datasets list.
type DatasetSpec struct {
	Path     string `json:"path"`
	Type     string `json:"type"`
	Prompter string `json:"prompter,omitempty"`
}

// record is one JSONL row. Alpaca rows use instruction/input/output,
// completion rows use text.
type record struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
	Text        string `json:"text"`
}

// pair is a rendered prompt and the response the model should learn.
type pair struct {
	prompt   string
	response string
}

func datasetSpecs(cfg config.RunConfig) ([]DatasetSpec, error) {
	var specs []DatasetSpec
	for i, m := range cfg.Maps("datasets") {
		s := DatasetSpec{
			Path:     fmt.Sprint(m["path"]),
			Type:     strings.ToLower(fmt.Sprint(m["type"])),
			Prompter: stringField(m, "prompter"),
		}
		if m["path"] == nil || s.Path == "" {
			return nil, fmt.Errorf("datasets[%d]: path is required", i)
		}
		if m["type"] == nil {
			s.Type = "alpaca"
		}
		specs = append(specs, s)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no datasets configured")
	}
	return specs, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// prepareDataset loads, formats and tokenizes every configured dataset, then
// splits and caches the result under dataset_prepared_path.
func prepareDataset(ctx context.Context, cfg config.RunConfig, tok llm.Tokenizer, loader *prompts.Loader, log *slog.Logger) (*llm.DatasetBundle, error) {
	specs, err := datasetSpecs(cfg)
	if err != nil {
		return nil, err
	}

	cacheDir := ""
	if root := cfg.String("dataset_prepared_path"); root != "" {
		key, err := cacheKey(cfg, specs, tok)
		if err != nil {
			return nil, err
		}
		cacheDir = filepath.Join(root, key)
		if b, err := readPrepared(cacheDir); err == nil {
			log.Info("loading prepared dataset from disk", "path", cacheDir)
			return b, nil
		}
	}

	parts := make([][]pair, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			pairs, err := loadPairs(gctx, spec, loader)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.Path, err)
			}
			parts[i] = pairs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	trainOnInputs := cfg.Bool("train_on_inputs")
	seqLen := cfg.Int("sequence_len")
	var examples []llm.Example
	for _, pairs := range parts {
		for _, p := range pairs {
			ex := tokenizePair(tok, p, trainOnInputs, seqLen)
			if len(ex.InputIDs) < 2 {
				continue
			}
			examples = append(examples, ex)
		}
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("datasets produced no usable rows")
	}

	rng := rand.New(rand.NewSource(int64(cfg.Int("seed"))))
	rng.Shuffle(len(examples), func(i, j int) { examples[i], examples[j] = examples[j], examples[i] })

	bundle := &llm.DatasetBundle{}
	nEval := int(math.Round(cfg.Float("val_set_size") * float64(len(examples))))
	if nEval >= len(examples) {
		nEval = len(examples) - 1
	}
	bundle.Train = examples[:len(examples)-nEval]
	bundle.Eval = examples[len(examples)-nEval:]
	bundle.TotalSteps = totalSteps(cfg, len(bundle.Train))

	log.Info("prepared dataset",
		"train", len(bundle.Train), "eval", len(bundle.Eval), "total_steps", bundle.TotalSteps)

	if cacheDir != "" && cfg.IsCoordinator() {
		if err := writePrepared(cacheDir, bundle); err != nil {
			log.Warn("could not cache prepared dataset", "path", cacheDir, "error", err)
		}
	}
	return bundle, nil
}

// totalSteps is max_steps when set, otherwise the optimizer steps needed to
// see the train split num_epochs times.
func totalSteps(cfg config.RunConfig, nTrain int) int {
	if n := cfg.Int("max_steps"); n > 0 {
		return n
	}
	perStep := max(1, cfg.Int("batch_size"))
	epochs := max(1, cfg.Int("num_epochs"))
	return max(1, int(math.Ceil(float64(nTrain*epochs)/float64(perStep))))
}

func loadPairs(ctx context.Context, spec DatasetSpec, loader *prompts.Loader) ([]pair, error) {
	var prompter *prompts.Prompter
	switch {
	case spec.Prompter != "":
		p, err := loader.Lookup(spec.Prompter)
		if err != nil {
			return nil, err
		}
		prompter = p
	case spec.Type != "completion":
		p, err := loader.Lookup(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("dataset type %q: %w", spec.Type, err)
		}
		prompter = p
	}

	f, err := os.Open(spec.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []pair
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		if prompter == nil {
			if r.Text == "" {
				return nil, fmt.Errorf("line %d: completion row needs text", lineNo)
			}
			out = append(out, pair{response: r.Text})
			continue
		}
		if r.Instruction == "" {
			return nil, fmt.Errorf("line %d: row needs instruction", lineNo)
		}
		prompt, err := prompter.Build(r.Instruction, r.Input)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, pair{prompt: prompt, response: r.Output})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// tokenizePair encodes prompt+response followed by EOS. Prompt positions are
// masked out of the labels unless trainOnInputs is set.
func tokenizePair(tok llm.Tokenizer, p pair, trainOnInputs bool, seqLen int) llm.Example {
	ids := tok.Encode(p.prompt + p.response)
	if eos := tok.EOS(); eos >= 0 {
		ids = append(ids, eos)
	}
	labels := make([]int, len(ids))
	copy(labels, ids)
	if !trainOnInputs && p.prompt != "" {
		n := min(len(tok.Encode(p.prompt)), len(labels))
		for i := 0; i < n; i++ {
			labels[i] = llm.IgnoreIndex
		}
	}
	if seqLen > 0 && len(ids) > seqLen {
		ids, labels = ids[:seqLen], labels[:seqLen]
	}
	return llm.Example{InputIDs: ids, Labels: labels}
}

// cacheKey hashes everything the prepared dataset depends on.
func cacheKey(cfg config.RunConfig, specs []DatasetSpec, tok llm.Tokenizer) (string, error) {
	in := struct {
		Datasets      []DatasetSpec `json:"datasets"`
		Tokenizer     string        `json:"tokenizer"`
		VocabSize     int           `json:"vocab_size"`
		BOS, EOS      int
		SequenceLen   int     `json:"sequence_len"`
		ValSetSize    float64 `json:"val_set_size"`
		Seed          int     `json:"seed"`
		TrainOnInputs bool    `json:"train_on_inputs"`
		BatchSize     int     `json:"batch_size"`
		NumEpochs     int     `json:"num_epochs"`
		MaxSteps      int     `json:"max_steps"`
	}{
		Datasets:      slices.Clone(specs),
		Tokenizer:     cfg.String("tokenizer_config"),
		VocabSize:     tok.VocabSize(),
		BOS:           tok.BOS(),
		EOS:           tok.EOS(),
		SequenceLen:   cfg.Int("sequence_len"),
		ValSetSize:    cfg.Float("val_set_size"),
		Seed:          cfg.Int("seed"),
		TrainOnInputs: cfg.Bool("train_on_inputs"),
		BatchSize:     cfg.Int("batch_size"),
		NumEpochs:     cfg.Int("num_epochs"),
		MaxSteps:      cfg.Int("max_steps"),
	}
	for i, s := range in.Datasets {
		info, err := os.Stat(s.Path)
		if err != nil {
			return "", fmt.Errorf("dataset %s: %w", s.Path, err)
		}
		// content changes invalidate the cache through size and mtime
		in.Datasets[i].Path = fmt.Sprintf("%s@%d:%d", s.Path, info.Size(), info.ModTime().UnixNano())
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func readPrepared(dir string) (*llm.DatasetBundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, preparedFile))
	if err != nil {
		return nil, err
	}
	var b llm.DatasetBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func writePrepared(dir string, b *llm.DatasetBundle) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, preparedFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, preparedFile))
}
