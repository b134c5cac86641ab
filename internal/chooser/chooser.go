package chooser

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// ErrCancelled is returned when the user quits without choosing.
var ErrCancelled = errors.New("no config chosen")

// Chooser picks a config file interactively. On a terminal it runs a
// bubbletea picker; otherwise it prints a numbered list and reads the
// answer as a line from In.
type Chooser struct {
	In  io.Reader
	Out io.Writer
}

// New returns a chooser on stdin and stdout.
func New() *Chooser {
	return &Chooser{In: os.Stdin, Out: os.Stdout}
}

// Choose returns one of candidates.
func (c *Chooser) Choose(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrCancelled
	}
	if isTerminal(c.In) && isTerminal(c.Out) {
		return c.pick(candidates)
	}
	return c.prompt(candidates)
}

func (c *Chooser) pick(candidates []string) (string, error) {
	p := tea.NewProgram(NewModel(candidates), tea.WithInput(c.In), tea.WithOutput(c.Out))
	final, err := p.Run()
	if err != nil {
		return "", fmt.Errorf("run picker: %w", err)
	}
	m := final.(Model)
	if m.Cancelled() || m.Chosen() == "" {
		return "", ErrCancelled
	}
	return m.Chosen(), nil
}

// prompt asks until the answer is a valid number, and gives up at EOF.
func (c *Chooser) prompt(candidates []string) (string, error) {
	fmt.Fprintln(c.Out, "Choose the config file:")
	for i, cand := range candidates {
		fmt.Fprintf(c.Out, "[%d] %s\n", i+1, cand)
	}

	for {
		fmt.Fprintf(c.Out, "Enter a number 1-%d: ", len(candidates))
		line, err := readLine(c.In)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrCancelled
			}
			return "", err
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n < 1 || n > len(candidates) {
			fmt.Fprintln(c.Out, "Invalid choice.")
			continue
		}
		return candidates[n-1], nil
	}
}

// readLine reads up to and including the next newline one byte at a time,
// leaving everything after it in r for later readers such as the inference
// loop. A final line without a newline is returned; io.EOF means no input.
func readLine(r io.Reader) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return string(line), nil
			}
			line = append(line, buf[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return string(line), nil
			}
			return "", err
		}
	}
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
