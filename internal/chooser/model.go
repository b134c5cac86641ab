// Package chooser asks the user which config file to run when a directory
// holds more than one.
package chooser

import (
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
)

// Model is the picker's bubbletea model.
type Model struct {
	candidates []string
	cursor     int
	chosen     string
	cancelled  bool
	width      int
}

// NewModel creates a picker over candidates with the first one selected.
func NewModel(candidates []string) Model {
	return Model{candidates: candidates}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Chosen returns the picked path, or "" while nothing is picked.
func (m Model) Chosen() string { return m.chosen }

// Cancelled reports whether the user quit without picking.
func (m Model) Cancelled() bool { return m.cancelled }

func (m Model) label(i int) string {
	return filepath.Base(m.candidates[i])
}
