package builtin

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/hochfrequenz/ftrun/internal/llm"
)

const (
	TokenizerChar     = "char"
	TokenizerTiktoken = "tiktoken"

	tokenizerConfigFile = "tokenizer_config.json"
	tiktokenVocabFile   = "tokenizer.tiktoken"

	// cl100kPattern is the pre-tokenization split used by cl100k_base.
	cl100kPattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
)

// DefaultSpecialTokens are bound on every freshly built tokenizer.
var DefaultSpecialTokens = map[string]string{
	"bos_token": "<s>",
	"eos_token": "</s>",
	"unk_token": "<unk>",
}

// codec maps ordinary text to base ids. encode reports -1 for text it cannot
// represent.
type codec interface {
	encode(text string) []int
	decode(ids []int) string
	size() int
}

type charCodec struct {
	runes []rune
	index map[rune]int
}

// newCharCodec covers tab, newline and printable ASCII.
func newCharCodec() *charCodec {
	c := &charCodec{runes: []rune{'\t', '\n'}, index: make(map[rune]int)}
	for r := ' '; r <= '~'; r++ {
		c.runes = append(c.runes, r)
	}
	for i, r := range c.runes {
		c.index[r] = i
	}
	return c
}

func (c *charCodec) encode(text string) []int {
	out := make([]int, 0, len(text))
	for _, r := range text {
		if id, ok := c.index[r]; ok {
			out = append(out, id)
		} else {
			out = append(out, -1)
		}
	}
	return out
}

func (c *charCodec) decode(ids []int) string {
	out := make([]rune, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < len(c.runes) {
			out = append(out, c.runes[id])
		}
	}
	return string(out)
}

func (c *charCodec) size() int { return len(c.runes) }

type bpeCodec struct {
	enc   *tiktoken.Tiktoken
	n     int
	vocab []byte
}

// newBPECodec builds a byte-pair codec from a .tiktoken rank file: one
// base64 token and its rank per line.
func newBPECodec(vocab []byte) (*bpeCodec, error) {
	ranks := make(map[string]int)
	maxRank := -1
	for i, line := range strings.Split(string(vocab), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tok, rank, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("vocab line %d: want <base64> <rank>", i+1)
		}
		raw, err := base64.StdEncoding.DecodeString(tok)
		if err != nil {
			return nil, fmt.Errorf("vocab line %d: %w", i+1, err)
		}
		r, err := strconv.Atoi(rank)
		if err != nil {
			return nil, fmt.Errorf("vocab line %d: %w", i+1, err)
		}
		ranks[string(raw)] = r
		maxRank = max(maxRank, r)
	}
	if len(ranks) == 0 {
		return nil, fmt.Errorf("vocab is empty")
	}
	core, err := tiktoken.NewCoreBPE(ranks, map[string]int{}, cl100kPattern)
	if err != nil {
		return nil, err
	}
	enc := &tiktoken.Encoding{Name: "local", PatStr: cl100kPattern, MergeableRanks: ranks, SpecialTokens: map[string]int{}}
	return &bpeCodec{enc: tiktoken.NewTiktoken(core, enc, map[string]any{}), n: maxRank + 1, vocab: vocab}, nil
}

func (c *bpeCodec) encode(text string) []int { return c.enc.EncodeOrdinary(text) }
func (c *bpeCodec) decode(ids []int) string  { return c.enc.Decode(ids) }
func (c *bpeCodec) size() int                { return c.n }

// Tokenizer is a base codec plus added tokens. Added tokens take the ids
// after the base vocabulary in the order they were added.
type Tokenizer struct {
	kind   string
	codec  codec
	added  []string
	ids    map[string]int
	roles  map[string]string
	addBOS bool
}

var _ llm.Tokenizer = (*Tokenizer)(nil)

type tokenizerFile struct {
	Type          string            `json:"tokenizer_type"`
	SpecialTokens map[string]string `json:"special_tokens"`
	AddedTokens   []string          `json:"added_tokens"`
	AddBOS        bool              `json:"add_bos_token"`
}

// NewCharTokenizer returns a character tokenizer with the default special
// tokens bound.
func NewCharTokenizer() *Tokenizer {
	t := newTokenizer(TokenizerChar, newCharCodec())
	t.AddSpecialTokens(DefaultSpecialTokens)
	return t
}

// NewBPETokenizer returns a byte-pair tokenizer over a .tiktoken rank file
// with the default special tokens bound.
func NewBPETokenizer(vocab []byte) (*Tokenizer, error) {
	c, err := newBPECodec(vocab)
	if err != nil {
		return nil, err
	}
	t := newTokenizer(TokenizerTiktoken, c)
	t.AddSpecialTokens(DefaultSpecialTokens)
	return t, nil
}

func newTokenizer(kind string, c codec) *Tokenizer {
	return &Tokenizer{kind: kind, codec: c, ids: make(map[string]int), roles: make(map[string]string), addBOS: true}
}

// IsTokenizerDir reports whether dir holds a saved tokenizer.
func IsTokenizerDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, tokenizerConfigFile))
	return err == nil
}

// LoadTokenizerDir loads a tokenizer saved by Save.
func LoadTokenizerDir(dir string) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, tokenizerConfigFile))
	if err != nil {
		return nil, err
	}
	var tf tokenizerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", tokenizerConfigFile, err)
	}

	var c codec
	switch tf.Type {
	case TokenizerChar:
		c = newCharCodec()
	case TokenizerTiktoken:
		vocab, err := os.ReadFile(filepath.Join(dir, tiktokenVocabFile))
		if err != nil {
			return nil, err
		}
		if c, err = newBPECodec(vocab); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown tokenizer type %q", tf.Type)
	}

	t := newTokenizer(tf.Type, c)
	t.addBOS = tf.AddBOS
	for _, sym := range tf.AddedTokens {
		t.addToken(sym)
	}
	for role, sym := range tf.SpecialTokens {
		t.addToken(sym)
		t.roles[role] = sym
	}
	return t, nil
}

func (t *Tokenizer) addToken(sym string) bool {
	if _, ok := t.ids[sym]; ok {
		return false
	}
	t.ids[sym] = t.codec.size() + len(t.added)
	t.added = append(t.added, sym)
	return true
}

// AddSpecialTokens binds roles to symbols in role order and returns how many
// symbols were new to the vocabulary.
func (t *Tokenizer) AddSpecialTokens(tokens map[string]string) int {
	roles := make([]string, 0, len(tokens))
	for r := range tokens {
		roles = append(roles, r)
	}
	sort.Strings(roles)

	n := 0
	for _, role := range roles {
		sym := tokens[role]
		if sym == "" {
			continue
		}
		if t.addToken(sym) {
			n++
		}
		t.roles[role] = sym
	}
	return n
}

// AddTokens adds plain symbols without binding a role.
func (t *Tokenizer) AddTokens(symbols ...string) int {
	n := 0
	for _, s := range symbols {
		if s != "" && t.addToken(s) {
			n++
		}
	}
	return n
}

// SpecialTokens returns the role bindings.
func (t *Tokenizer) SpecialTokens() map[string]string {
	out := make(map[string]string, len(t.roles))
	for k, v := range t.roles {
		out[k] = v
	}
	return out
}

func (t *Tokenizer) Kind() string { return t.kind }

func (t *Tokenizer) roleID(role string) int {
	if sym, ok := t.roles[role]; ok {
		return t.ids[sym]
	}
	return -1
}

func (t *Tokenizer) BOS() int { return t.roleID("bos_token") }
func (t *Tokenizer) EOS() int { return t.roleID("eos_token") }

// Pad falls back to EOS when no pad token is bound.
func (t *Tokenizer) Pad() int {
	if id := t.roleID("pad_token"); id >= 0 {
		return id
	}
	return t.EOS()
}

func (t *Tokenizer) VocabSize() int { return t.codec.size() + len(t.added) }

// Encode tokenizes text, recognizing added tokens literally and prefixing
// BOS.
func (t *Tokenizer) Encode(text string) []int {
	var out []int
	if bos := t.BOS(); t.addBOS && bos >= 0 {
		out = append(out, bos)
	}

	symbols := make([]string, len(t.added))
	copy(symbols, t.added)
	sort.Slice(symbols, func(i, j int) bool { return len(symbols[i]) > len(symbols[j]) })

	unk := t.roleID("unk_token")
	flush := func(s string) {
		if s == "" {
			return
		}
		for _, id := range t.codec.encode(s) {
			if id >= 0 {
				out = append(out, id)
			} else if unk >= 0 {
				out = append(out, unk)
			}
		}
	}

	start := 0
	for i := 0; i < len(text); {
		matched := ""
		for _, sym := range symbols {
			if strings.HasPrefix(text[i:], sym) {
				matched = sym
				break
			}
		}
		if matched == "" {
			i++
			continue
		}
		flush(text[start:i])
		out = append(out, t.ids[matched])
		i += len(matched)
		start = i
	}
	flush(text[start:])
	return out
}

// Decode renders ids back to text. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	var run []int
	flush := func() {
		if len(run) > 0 {
			sb.WriteString(t.codec.decode(run))
			run = run[:0]
		}
	}
	base := t.codec.size()
	for _, id := range ids {
		switch {
		case id >= 0 && id < base:
			run = append(run, id)
		case id >= base && id < base+len(t.added):
			flush()
			sb.WriteString(t.added[id-base])
		}
	}
	flush()
	return sb.String()
}

// Save writes tokenizer_config.json, plus the rank file for BPE tokenizers.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tf := tokenizerFile{Type: t.kind, SpecialTokens: t.SpecialTokens(), AddedTokens: t.added, AddBOS: t.addBOS}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, tokenizerConfigFile), data, 0o644); err != nil {
		return err
	}
	if bpe, ok := t.codec.(*bpeCodec); ok {
		return os.WriteFile(filepath.Join(dir, tiktokenVocabFile), bytes.Clone(bpe.vocab), 0o644)
	}
	return nil
}
