package source

import (
	"context"
	"time"

	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/protocol"
)

// DefaultIdleTimeout is how long a source can sit without a new frame
// before the reaper aborts it.
const DefaultIdleTimeout = 20 * time.Second

// DefaultSweepInterval is how often the reaper checks for idle sources.
// kissserial.go polls its device list on a similar cadence.
const DefaultSweepInterval = 5 * time.Second

// Aborter lets the reaper tear down a source's in-flight image stream
// without the source package importing the image package back.
type Aborter interface {
	Abort(sid protocol.SID, reason string)
}

// TotalBytes reports the live sum of every open scratch blob's size, so the
// reaper can enforce the global scratch-memory cap.
type TotalBytes func() int64

// Reaper periodically evicts idle sources and enforces the global memory
// cap via LRU eviction by last activity.
type Reaper struct {
	table          *Table
	aborter        Aborter
	logger         logging.Logger
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	maxTotalBuffer int64
	totalBytes     TotalBytes
	now            func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

func WithIdleTimeout(d time.Duration) Option { return func(r *Reaper) { r.idleTimeout = d } }
func WithSweepInterval(d time.Duration) Option {
	return func(r *Reaper) { r.sweepInterval = d }
}
func WithMaxTotalBuffer(n int64) Option { return func(r *Reaper) { r.maxTotalBuffer = n } }
func WithClock(now func() time.Time) Option { return func(r *Reaper) { r.now = now } }

// NewReaper builds a Reaper. totalBytes reports the current sum of scratch
// blob sizes; pass a closure over the image.Assembler's own accounting.
func NewReaper(table *Table, aborter Aborter, totalBytes TotalBytes, logger logging.Logger, opts ...Option) *Reaper {
	r := &Reaper{
		table:          table,
		aborter:        aborter,
		logger:         logger,
		idleTimeout:    DefaultIdleTimeout,
		sweepInterval:  DefaultSweepInterval,
		maxTotalBuffer: 10 * 1024 * 1024,
		totalBytes:     totalBytes,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on sweepInterval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one idle-timeout pass followed by one memory-cap pass. Exported
// directly so tests can drive it without waiting on a ticker.
func (r *Reaper) Sweep() {
	r.reapIdle()
	r.reapOverBudget()
}

func (r *Reaper) reapIdle() {
	cutoff := r.now().Add(-r.idleTimeout)
	for _, sid := range r.table.IdleSince(cutoff) {
		r.logger.Info("reaping idle source", "source", sid)
		r.aborter.Abort(sid, "idle timeout")
		r.table.Delete(sid)
	}
}

func (r *Reaper) reapOverBudget() {
	if r.totalBytes == nil {
		return
	}
	for r.totalBytes() > r.maxTotalBuffer {
		sid, ok := r.table.OldestByActivity()
		if !ok {
			return
		}
		r.logger.Warn("evicting source to satisfy memory cap", "source", sid)
		r.aborter.Abort(sid, "memory cap exceeded")
		r.table.Delete(sid)
	}
}
