package chooser

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "q", "esc", "ctrl+c":
			m.cancelled = true
			return m, tea.Quit
		case "j", "down":
			if m.cursor < len(m.candidates)-1 {
				m.cursor++
			}
		case "k", "up":
			if m.cursor > 0 {
				m.cursor--
			}
		case "home", "g":
			m.cursor = 0
		case "end", "G":
			m.cursor = len(m.candidates) - 1
		case "enter":
			if len(m.candidates) == 0 {
				m.cancelled = true
				return m, tea.Quit
			}
			m.chosen = m.candidates[m.cursor]
			return m, tea.Quit
		default:
			// 1-9 jump straight to a numbered entry
			if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
				if i := int(key[0] - '1'); i < len(m.candidates) {
					m.cursor = i
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
	}

	return m, nil
}
