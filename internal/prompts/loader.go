package prompts

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// ErrUnknownPrompter is returned when no template matches a prompter name.
var ErrUnknownPrompter = errors.New("unknown prompter")

const prompterDir = "prompters"

// Meta holds frontmatter metadata for a prompter template.
type Meta struct {
	Name        string   `yaml:"name"`
	Aliases     []string `yaml:"aliases"`
	Description string   `yaml:"description"`
	// Separator is appended after the rendered prompt, before the response.
	Separator string `yaml:"separator"`
}

// Input is the data a prompter renders.
type Input struct {
	Instruction string
	Input       string
}

// Prompter renders instructions into model prompts.
type Prompter struct {
	Meta
	tmpl *template.Template
}

// Build renders the prompt for an instruction and optional input, ending
// where the response is expected to start.
func (p *Prompter) Build(instruction, input string) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, Input{Instruction: instruction, Input: input}); err != nil {
		return "", fmt.Errorf("execute %s: %w", p.Name, err)
	}
	return strings.TrimRight(buf.String(), " \n") + p.Separator, nil
}

// matches reports whether name refers to this prompter, ignoring case.
func (p *Prompter) matches(name string) bool {
	if strings.EqualFold(p.Name, name) {
		return true
	}
	for _, a := range p.Aliases {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// Loader finds prompter templates in override directories and the embedded set.
type Loader struct {
	overrideDirs []string // checked in priority order
	cache        map[string]*Prompter
	mu           sync.RWMutex
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*Prompter),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .ftrun/prompters/
// 2. User config: ~/.config/ftrun/prompters/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".ftrun"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "ftrun"))

	return NewLoader(dirs...)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*Meta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta Meta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// files lists template file names, overrides first, each name once.
func (l *Loader) files() []string {
	seen := map[string]struct{}{}
	var names []string
	add := func(name string) {
		if !strings.HasSuffix(name, ".md") {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, dir := range l.overrideDirs {
		entries, err := os.ReadDir(filepath.Join(dir, prompterDir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				add(e.Name())
			}
		}
	}
	entries, _ := fs.ReadDir(embeddedFS, prompterDir)
	for _, e := range entries {
		add(e.Name())
	}
	sort.Strings(names)
	return names
}

// loadContent loads raw content from override dirs or the embedded FS.
func (l *Loader) loadContent(file string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, prompterDir, file)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, prompterDir+"/"+file)
}

func (l *Loader) load(file string) (*Prompter, error) {
	l.mu.RLock()
	if p, ok := l.cache[file]; ok {
		l.mu.RUnlock()
		return p, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(file)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", file, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	if meta == nil || meta.Name == "" {
		meta = &Meta{Name: strings.TrimSuffix(file, ".md")}
	}
	tmpl, err := template.New(file).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("compile template %s: %w", file, err)
	}

	p := &Prompter{Meta: *meta, tmpl: tmpl}
	l.mu.Lock()
	l.cache[file] = p
	l.mu.Unlock()
	return p, nil
}

// List returns every available prompter.
func (l *Loader) List() ([]*Prompter, error) {
	var out []*Prompter
	for _, file := range l.files() {
		p, err := l.load(file)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Lookup finds a prompter by name or alias, ignoring case.
func (l *Loader) Lookup(name string) (*Prompter, error) {
	all, err := l.List()
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.matches(name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPrompter, name)
}
