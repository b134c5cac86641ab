package inference

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/hochfrequenz/ftrun/internal/llm"
)

// TextStreamer decodes token ids as they arrive and writes the text to w.
// Text that ends in an incomplete UTF-8 sequence is held back until the
// next token completes it.
type TextStreamer struct {
	w       io.Writer
	tok     llm.Tokenizer
	ids     []int
	printed int
}

var _ llm.Streamer = (*TextStreamer)(nil)

func NewTextStreamer(w io.Writer, tok llm.Tokenizer) *TextStreamer {
	return &TextStreamer{w: w, tok: tok}
}

func (s *TextStreamer) Put(ids []int) {
	s.ids = append(s.ids, ids...)
	text := s.tok.Decode(s.ids)
	if r, _ := utf8.DecodeLastRuneInString(text); r == utf8.RuneError {
		return
	}
	s.flush(text)
}

// End writes whatever is still held back, then a newline.
func (s *TextStreamer) End() {
	s.flush(s.tok.Decode(s.ids))
	fmt.Fprintln(s.w)
	s.ids = nil
	s.printed = 0
}

func (s *TextStreamer) flush(text string) {
	if len(text) > s.printed {
		io.WriteString(s.w, text[s.printed:])
		s.printed = len(text)
	}
}
