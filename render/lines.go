// Package render draws the engine's live transfer display: one summary
// line plus one line per active task, repainted in place on every tick
// by moving the cursor back up over what was written last time.
package render

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"golang.org/x/term"
)

// screen tracks how many lines were last written to out, so the next
// repaint can move the cursor back up exactly that far before clearing.
type screen struct {
	atStart bool
	buf     []byte
	lines   int
	out     io.Writer
	width   int
}

func newScreen(w io.Writer) *screen {
	width := 0
	if wFd, ok := w.(interface{ Fd() uintptr }); ok && wFd.Fd() <= math.MaxInt && term.IsTerminal(int(wFd.Fd())) {
		if ww, _, err := term.GetSize(int(wFd.Fd())); err == nil {
			width = ww
		}
	}
	return &screen{buf: []byte{}, out: w, width: width}
}

func (s *screen) add(b []byte) { s.buf = append(s.buf, b...) }

// flush clears whatever this screen drew last tick, writes the new
// buffer, and records how many lines it occupies for the next clear.
func (s *screen) flush() {
	s.clear()
	if _, err := s.out.Write(s.buf); err != nil {
		return
	}
	s.lines = bytes.Count(s.buf, []byte("\n"))
	if s.width > 0 {
		for _, line := range bytes.Split(s.buf, []byte("\n")) {
			if len(line) > s.width {
				s.lines += (len(line) - 1) / s.width
			}
		}
	}
	s.buf = s.buf[:0]
	s.atStart = false
}

func (s *screen) clear() {
	if !s.atStart {
		s.returnToStart()
	}
	fmt.Fprint(s.out, "\033[0J")
	s.atStart = true
	s.lines = 0
}

func (s *screen) returnToStart() {
	if !s.atStart && s.lines > 0 {
		fmt.Fprintf(s.out, "\033[%dF", s.lines)
	}
	s.atStart = true
}
