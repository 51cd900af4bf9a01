package render

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	godigest "github.com/opencontainers/go-digest"

	"github.com/ctrtransfer/ctrtransfer/pipeline"
	"github.com/ctrtransfer/ctrtransfer/speed"
)

func TestTrendSymbol(t *testing.T) {
	assert.Equal(t, "↑", trendSymbol(0.5))
	assert.Equal(t, "↓", trendSymbol(-0.5))
	assert.Equal(t, "→", trendSymbol(0.05))
}

func TestBarGenerateClampsPercentage(t *testing.T) {
	b := &bar{width: 0, min: 10, max: 40, start: '[', done: '=', active: '>', pending: ' ', end: ']'}
	out := b.generate(-1, "pre ", " post")
	assert.True(t, strings.HasPrefix(string(out), "pre ["))
	out = b.generate(2, "pre ", " post")
	assert.Contains(t, string(out), "=")
}

func TestRendererPaintsSummaryAndActiveTask(t *testing.T) {
	p := pipeline.New(pipeline.Config{MaxConcurrent: 1})
	dig := godigest.Digest("sha256:" + strings.Repeat("a", 64))
	p.Submit(&pipeline.TransferTask{Digest: dig, Size: 100})

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), func(ctx context.Context, task *pipeline.TransferTask, progress pipeline.ProgressFunc) error {
			progress(40)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var buf bytes.Buffer
	r := New(&buf, p, speed.NewMonitor(), 10*time.Millisecond)
	r.paint()
	close(release)

	out := buf.String()
	assert.Contains(t, out, "0/1")
	assert.Contains(t, out, dig.String()[:19])
}

func TestRendererRunStopsOnContextCancel(t *testing.T) {
	p := pipeline.New(pipeline.Config{MaxConcurrent: 1})
	var buf bytes.Buffer
	r := New(&buf, p, nil, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
