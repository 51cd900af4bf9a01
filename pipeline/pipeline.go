// Package pipeline is the size-priority scheduler that runs many blob
// transfers with bounded concurrency: config blobs first, then large
// blobs, then a mix of medium and small blobs sized to keep the pipe
// full, with an optional adaptive concurrency governor driven by the
// speed monitor.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	godigest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/ctrtransfer/ctrtransfer/internal/pqueue"
	"github.com/ctrtransfer/ctrtransfer/speed"
)

// Operation is the direction of a TransferTask.
type Operation int

const (
	Download Operation = iota
	Upload
)

func (o Operation) String() string {
	if o == Upload {
		return "upload"
	}
	return "download"
}

// Source carries a task's payload: a path into a docker-save tar for
// uploads read from an extracted archive, or raw bytes otherwise.
type Source struct {
	TarPath string
	Bytes   []byte
}

// TransferTask is one blob operation. It is owned by the pipeline from
// Submit until it reaches a terminal state; callers never see it again
// except through a Snapshot.
type TransferTask struct {
	Operation  Operation
	Digest     godigest.Digest
	Size       int64
	Repository string
	IsConfig   bool
	Source     Source

	// Priority is assigned by Submit from IsConfig/Size; lower runs earlier.
	Priority int

	bytesProcessed int64
}

// ProgressFunc lets an Exec report cumulative bytes processed for its task.
type ProgressFunc func(bytesSoFar int64)

// Exec performs one task's actual transport call. The pipeline calls it
// once per task, inside a concurrency slot.
type Exec func(ctx context.Context, task *TransferTask, progress ProgressFunc) error

const (
	defaultLargeThreshold = 500 * 1024 * 1024
	defaultSmallThreshold = 10 * 1024 * 1024
)

// ComputePriority implements the size-priority policy: config blobs
// first (0), then large blobs (1), then medium and small blobs banded
// so that, within a band, bigger blobs run first.
func ComputePriority(isConfig bool, size, largeThreshold, smallThreshold int64) int {
	switch {
	case isConfig:
		return 0
	case size > largeThreshold:
		return 1
	case size > smallThreshold:
		return int(2 + (largeThreshold-size)/1024)
	default:
		return int(1000 + (smallThreshold-size)/1024)
	}
}

// Config configures a Pipeline.
type Config struct {
	MaxConcurrent      int
	MinConcurrent      int
	LargeThreshold     int64
	SmallThreshold     int64
	Adaptive           bool
	AdjustmentInterval time.Duration
	Monitor            *speed.Monitor // required when Adaptive is set
	Log                *logrus.Logger
}

// ConcurrencyChange records one adaptive adjustment for introspection.
type ConcurrencyChange struct {
	At   time.Time
	From int
	To   int
}

// Snapshot is the pipeline's progress at one instant.
type Snapshot struct {
	TotalTasks            int
	Completed             int
	Active                int
	Queued                int
	PerTaskBytesProcessed map[string]int64
	PerTaskTotalBytes     map[string]int64
	OverallBytesPerSec    float64
}

// Pipeline runs a batch of TransferTasks with a bounded-concurrency
// executor, size-priority dispatch order, and shutdown-to-completion
// cancellation: once any task fails, no new tasks are dispatched, but
// tasks already running are left to finish.
type Pipeline struct {
	cfg Config
	log *logrus.Logger

	queue *pqueue.Queue[TransferTask]

	mu             sync.Mutex
	cond           *sync.Cond
	tasks          []*TransferTask
	active         map[string]*TransferTask
	completed      int
	firstErr       error
	stopped        bool
	inFlight       int
	effectiveLimit int
	startTime      time.Time
	totalBytesDone int64
	adjustHistory  []ConcurrencyChange
}

// New builds a Pipeline. Zero-valued Config fields take spec defaults:
// MaxConcurrent 4, MinConcurrent 1, LargeThreshold 500 MiB,
// SmallThreshold 10 MiB, AdjustmentInterval 1s.
func New(cfg Config) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MinConcurrent <= 0 {
		cfg.MinConcurrent = 1
	}
	if cfg.LargeThreshold <= 0 {
		cfg.LargeThreshold = defaultLargeThreshold
	}
	if cfg.SmallThreshold <= 0 {
		cfg.SmallThreshold = defaultSmallThreshold
	}
	if cfg.AdjustmentInterval <= 0 {
		cfg.AdjustmentInterval = time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	p := &Pipeline{
		cfg:            cfg,
		log:            log,
		active:         map[string]*TransferTask{},
		effectiveLimit: cfg.MaxConcurrent,
	}
	p.cond = sync.NewCond(&p.mu)
	p.queue = pqueue.New(pqueue.Opts[TransferTask]{
		Max: cfg.MaxConcurrent,
		Next: func(queued, active []*TransferTask) int {
			best := 0
			for i := 1; i < len(queued); i++ {
				if queued[i].Priority < queued[best].Priority {
					best = i
				}
			}
			return best
		},
	})
	return p
}

// Submit assigns the task's priority and adds it to the batch. It must
// be called before Run.
func (p *Pipeline) Submit(task *TransferTask) {
	task.Priority = ComputePriority(task.IsConfig, task.Size, p.cfg.LargeThreshold, p.cfg.SmallThreshold)
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
}

// Run dispatches every submitted task in priority order, bounded by the
// configured (and, if adaptive, dynamically adjusted) concurrency
// limit. It returns the first task error encountered, after every
// in-flight task has finished.
func (p *Pipeline) Run(ctx context.Context, exec Exec) error {
	p.mu.Lock()
	sort.SliceStable(p.tasks, func(i, j int) bool { return p.tasks[i].Priority < p.tasks[j].Priority })
	tasks := append([]*TransferTask(nil), p.tasks...)
	p.startTime = time.Now()
	p.mu.Unlock()

	adaptiveCtx, cancelAdaptive := context.WithCancel(ctx)
	var adaptiveWG sync.WaitGroup
	if p.cfg.Adaptive && p.cfg.Monitor != nil {
		adaptiveWG.Add(1)
		go func() {
			defer adaptiveWG.Done()
			p.adaptiveLoop(adaptiveCtx)
		}()
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			break
		}
		if !p.acquireSlot() {
			break
		}
		wg.Add(1)
		go func(t *TransferTask) {
			defer wg.Done()
			defer p.releaseSlot()
			done, err := p.queue.Acquire(ctx, *t)
			if err != nil {
				p.recordFailure(err)
				return
			}
			defer done()
			p.runTask(ctx, t, exec)
		}(task)
	}
	wg.Wait()
	cancelAdaptive()
	adaptiveWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr
}

func (p *Pipeline) runTask(ctx context.Context, task *TransferTask, exec Exec) {
	key := task.Digest.String()
	p.mu.Lock()
	p.active[key] = task
	p.mu.Unlock()

	start := time.Now()
	progress := func(bytesSoFar int64) {
		p.mu.Lock()
		task.bytesProcessed = bytesSoFar
		p.mu.Unlock()
	}

	err := exec(ctx, task, progress)
	elapsed := time.Since(start)

	p.mu.Lock()
	delete(p.active, key)
	if err == nil {
		p.completed++
		p.totalBytesDone += task.Size
	}
	p.mu.Unlock()

	if err == nil {
		if p.cfg.Monitor != nil && elapsed > 0 {
			p.cfg.Monitor.Record(float64(task.Size) / elapsed.Seconds())
		}
		return
	}
	p.recordFailure(err)
}

func (p *Pipeline) recordFailure(err error) {
	p.mu.Lock()
	if p.firstErr == nil {
		p.firstErr = err
	}
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// acquireSlot blocks until the soft, adaptively-adjustable concurrency
// limit allows one more task, or the pipeline has stopped dispatching.
func (p *Pipeline) acquireSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inFlight >= p.effectiveLimit && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return false
	}
	p.inFlight++
	return true
}

func (p *Pipeline) releaseSlot() {
	p.mu.Lock()
	p.inFlight--
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipeline) setEffectiveLimit(n int) {
	p.mu.Lock()
	if n < p.cfg.MinConcurrent {
		n = p.cfg.MinConcurrent
	}
	if n > p.cfg.MaxConcurrent {
		n = p.cfg.MaxConcurrent
	}
	from := p.effectiveLimit
	p.effectiveLimit = n
	if from != n {
		p.adjustHistory = append(p.adjustHistory, ConcurrencyChange{At: time.Now(), From: from, To: n})
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipeline) adaptiveLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AdjustmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			current := p.effectiveLimit
			p.mu.Unlock()
			next, ok := p.cfg.Monitor.Recommend(current, p.cfg.MinConcurrent, p.cfg.MaxConcurrent)
			if ok {
				p.setEffectiveLimit(next)
				p.log.WithFields(logrus.Fields{"from": current, "to": next}).Debug("adaptive concurrency adjusted")
			}
		}
	}
}

// Snapshot reports the pipeline's current progress.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	perTask := make(map[string]int64, len(p.active))
	perTaskTotal := make(map[string]int64, len(p.active))
	for k, t := range p.active {
		perTask[k] = t.bytesProcessed
		perTaskTotal[k] = t.Size
	}
	var overall float64
	if elapsed := time.Since(p.startTime).Seconds(); elapsed > 0 {
		overall = float64(p.totalBytesDone) / elapsed
	}
	return Snapshot{
		TotalTasks:            len(p.tasks),
		Completed:             p.completed,
		Active:                len(p.active),
		Queued:                len(p.tasks) - p.completed - len(p.active),
		PerTaskBytesProcessed: perTask,
		PerTaskTotalBytes:     perTaskTotal,
		OverallBytesPerSec:    overall,
	}
}

// ConcurrencyHistory returns every adaptive adjustment made so far.
func (p *Pipeline) ConcurrencyHistory() []ConcurrencyChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConcurrencyChange, len(p.adjustHistory))
	copy(out, p.adjustHistory)
	return out
}
