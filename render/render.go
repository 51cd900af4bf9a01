package render

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ctrtransfer/ctrtransfer/pipeline"
	"github.com/ctrtransfer/ctrtransfer/speed"
)

// trendSymbol renders the speed monitor's regression slope as a single
// glyph, matching the sign thresholds the monitor itself recommends on.
func trendSymbol(slope float64) string {
	switch {
	case slope > 0.2:
		return "↑"
	case slope < -0.2:
		return "↓"
	default:
		return "→"
	}
}

// Renderer redraws a single-threaded progress display for one pipeline
// run: a summary line, then one line per currently active task. It
// tolerates the active set shrinking between ticks — tasks simply stop
// appearing.
type Renderer struct {
	screen   *screen
	bar      *bar
	pipeline *pipeline.Pipeline
	monitor  *speed.Monitor
	interval time.Duration
}

// New builds a Renderer that polls p (and, if non-nil, mon for trend
// and ETA) every interval. A zero interval defaults to 500ms, per
// spec.md §4.10.
func New(out io.Writer, p *pipeline.Pipeline, mon *speed.Monitor, interval time.Duration) *Renderer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Renderer{
		screen:   newScreen(out),
		bar:      newBar(out),
		pipeline: p,
		monitor:  mon,
		interval: interval,
	}
}

// Run repaints on every tick until ctx is canceled, then draws one
// final frame and returns. Callers run this in its own goroutine
// alongside pipeline.Run and cancel ctx once that call returns.
func (r *Renderer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.paint()
			return
		case <-ticker.C:
			r.paint()
		}
	}
}

func (r *Renderer) paint() {
	snap := r.pipeline.Snapshot()

	var slope, confidence float64
	if r.monitor != nil {
		st := r.monitor.Stats()
		slope, confidence = st.Slope, st.Confidence
	}

	overallPct := 0.0
	if snap.TotalTasks > 0 {
		overallPct = float64(snap.Completed) / float64(snap.TotalTasks)
	}
	pre := fmt.Sprintf("%d/%d active=%d %s/s %s ",
		snap.Completed, snap.TotalTasks, snap.Active,
		humanize.Bytes(uint64(snap.OverallBytesPerSec)), trendSymbol(slope))
	post := ""
	if confidence > 0.5 && snap.OverallBytesPerSec > 0 {
		remaining := remainingBytes(snap)
		eta := time.Duration(float64(remaining)/snap.OverallBytesPerSec) * time.Second
		post = " ETA " + eta.Round(time.Second).String()
	}
	r.screen.add(r.bar.generate(overallPct, pre, post))

	keys := make([]string, 0, len(snap.PerTaskBytesProcessed))
	for k := range snap.PerTaskBytesProcessed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		done := snap.PerTaskBytesProcessed[k]
		total := snap.PerTaskTotalBytes[k]
		var pct float64
		if total > 0 {
			pct = float64(done) / float64(total)
		}
		short := k
		if len(short) > 19 {
			short = short[:19]
		}
		line := r.bar.generate(pct, short+" ", fmt.Sprintf(" %s/%s", humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total))))
		r.screen.add(line)
	}

	r.screen.flush()
}

// remainingBytes estimates bytes left across active tasks only; queued
// tasks are not yet size-known to the renderer beyond what Snapshot
// reports, matching the summary line's own scope.
func remainingBytes(snap pipeline.Snapshot) float64 {
	var remaining float64
	for k, total := range snap.PerTaskTotalBytes {
		remaining += float64(total - snap.PerTaskBytesProcessed[k])
	}
	return remaining
}
