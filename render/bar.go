package render

import (
	"fmt"
	"io"

	"golang.org/x/term"
)

// bar draws one fixed-width `[====>   ]` progress indicator.
type bar struct {
	width, min, max                   int
	start, done, active, pending, end byte
}

func newBar(w io.Writer) *bar {
	width := 0
	if wFd, ok := w.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(wFd.Fd())) {
		if ww, _, err := term.GetSize(int(wFd.Fd())); err == nil {
			width = ww
		}
	}
	return &bar{
		width: width, min: 10, max: 40,
		start: '[', done: '=', active: '>', pending: ' ', end: ']',
	}
}

func (b *bar) generate(pct float64, pre, post string) []byte {
	if pct < 0 {
		pct = 0
	} else if pct > 1 {
		pct = 1
	}
	curWidth := b.width - (len(pre) + len(post) + 2)
	curWidth = min(max(curWidth, b.min), b.max)
	buf := make([]byte, curWidth)

	doneLen := int(float64(curWidth) * pct)
	for i := 0; i < doneLen; i++ {
		buf[i] = b.done
	}
	if doneLen < curWidth {
		buf[doneLen] = b.active
	}
	for i := doneLen + 1; i < curWidth; i++ {
		buf[i] = b.pending
	}
	return fmt.Appendf(nil, "%s%c%s%c%s\n", pre, b.start, buf, b.end, post)
}
