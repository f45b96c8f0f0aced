package mirror

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is one progress dimension (files or bytes) with the invariant
// total == success + skipped + failed + remaining. All mutation is atomic
// so observers see monotonic values.
type Counter struct {
	total   atomic.Uint64
	success atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func (c *Counter) AddTotal(n uint64)   { c.total.Add(n) }
func (c *Counter) AddSuccess(n uint64) { c.success.Add(n) }
func (c *Counter) AddSkipped(n uint64) { c.skipped.Add(n) }
func (c *Counter) AddFailed(n uint64)  { c.failed.Add(n) }

func (c *Counter) SetSuccess(n uint64) { c.success.Store(n) }

func (c *Counter) Total() uint64   { return c.total.Load() }
func (c *Counter) Success() uint64 { return c.success.Load() }
func (c *Counter) Skipped() uint64 { return c.skipped.Load() }
func (c *Counter) Failed() uint64  { return c.failed.Load() }

// Remaining is the work still in flight or queued.
func (c *Counter) Remaining() uint64 {
	return c.Total() - c.Success() - c.Skipped() - c.Failed()
}

func (c *Counter) Reset() {
	c.total.Store(0)
	c.success.Store(0)
	c.skipped.Store(0)
	c.failed.Store(0)
}

// Progress is the shared per-run progress state: paired file/byte counters
// plus the step position a renderer displays. The pipeline resets the
// counters at each step boundary and accumulates finished bytes into
// GrandTotalBytes.
type Progress struct {
	Files *Counter
	Bytes *Counter

	step       atomic.Uint32
	totalSteps atomic.Uint32
	grandBytes atomic.Uint64

	mu       sync.Mutex
	stepName string
}

func NewProgress() *Progress {
	return &Progress{
		Files: &Counter{},
		Bytes: &Counter{},
	}
}

// Step returns the 1-based index of the current step, the total number of
// steps and the step label.
func (p *Progress) Step() (current, total uint32, name string) {
	p.mu.Lock()
	name = p.stepName
	p.mu.Unlock()
	return p.step.Load(), p.totalSteps.Load(), name
}

func (p *Progress) SetTotalSteps(n int) {
	p.totalSteps.Store(uint32(n))
}

// NextStep resets the counters and advances the step index under a new
// label.
func (p *Progress) NextStep(name string) {
	p.mu.Lock()
	p.stepName = name
	p.mu.Unlock()

	p.Files.Reset()
	p.Bytes.Reset()
	p.step.Add(1)
}

// Reset rewinds the whole run.
func (p *Progress) Reset() {
	p.Files.Reset()
	p.Bytes.Reset()
	p.step.Store(0)
	p.grandBytes.Store(0)
}

// AccumulateBytes folds the current step's successful bytes into the
// per-run total.
func (p *Progress) AccumulateBytes() {
	p.grandBytes.Add(p.Bytes.Success())
}

// GrandTotalBytes is the number of bytes successfully downloaded over the
// whole run so far.
func (p *Progress) GrandTotalBytes() uint64 {
	return p.grandBytes.Load()
}

// WaitForCompletion blocks until no queued file remains, polling at 100 ms.
// The observe callback, when non-nil, runs once per poll so a renderer can
// refresh.
func (p *Progress) WaitForCompletion(observe func()) {
	for p.Files.Remaining() > 0 {
		if observe != nil {
			observe()
		}
		time.Sleep(100 * time.Millisecond)
	}

	p.AccumulateBytes()

	if observe != nil {
		observe()
	}
}
