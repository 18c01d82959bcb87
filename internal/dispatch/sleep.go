package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/protocol"
)

// Sleep duration policy constants, grounded on the original
// sleep_controller.py / config/settings.py pair.
const (
	DefaultSleep = 60 * time.Second
	LongSleep    = 9 * time.Hour
	MediumSleep  = 1 * time.Hour
	NormalSleep  = 10 * time.Minute

	LowVoltageThresholdPercent = 8.0

	PostEOFDelay     = 2 * time.Second
	SleepDedupWindow = 10 * time.Second
)

// CommandWriter is the transport's write half, as seen by the emitter.
type CommandWriter interface {
	Write(ctx context.Context, p []byte) error
}

// SleepEmitter, after a POST_EOF_DELAY, writes a
// sleep-duration command to the transport, deduped per SID within
// SleepDedupWindow. Grounded on sleep_controller.py's
// determine_sleep_duration/format_sleep_command_to_gateway pair.
type SleepEmitter struct {
	writer CommandWriter
	logger logging.Logger
	dedup  *cache.Cache

	postEOFDelay time.Duration
	dedupWindow  time.Duration
	now          func() time.Time
	currentHour  func(time.Time) int

	voltageThreshold float64
	defaultSleep     time.Duration
	longSleep        time.Duration
	mediumSleep      time.Duration
	normalSleep      time.Duration

	wg sync.WaitGroup
}

// SleepOption configures a SleepEmitter.
type SleepOption func(*SleepEmitter)

func WithPostEOFDelay(d time.Duration) SleepOption {
	return func(e *SleepEmitter) { e.postEOFDelay = d }
}
func WithSleepClock(now func() time.Time) SleepOption {
	return func(e *SleepEmitter) { e.now = now }
}

// WithSleepDedupWindow overrides SleepDedupWindow.
func WithSleepDedupWindow(d time.Duration) SleepOption {
	return func(e *SleepEmitter) { e.dedupWindow = d }
}

// WithVoltageThreshold overrides LowVoltageThresholdPercent.
func WithVoltageThreshold(pct float64) SleepOption {
	return func(e *SleepEmitter) { e.voltageThreshold = pct }
}

// WithSleepDurations overrides the default/long/medium/normal duration
// table entries.
func WithSleepDurations(def, long, medium, normal time.Duration) SleepOption {
	return func(e *SleepEmitter) {
		e.defaultSleep, e.longSleep, e.mediumSleep, e.normalSleep = def, long, medium, normal
	}
}

// NewSleepEmitter builds a SleepEmitter. writer may be nil; a nil writer is
// logged and skipped.
func NewSleepEmitter(writer CommandWriter, logger logging.Logger, opts ...SleepOption) *SleepEmitter {
	e := &SleepEmitter{
		writer:           writer,
		logger:           logger,
		postEOFDelay:     PostEOFDelay,
		dedupWindow:      SleepDedupWindow,
		now:              time.Now,
		currentHour:      func(t time.Time) int { return t.Hour() },
		voltageThreshold: LowVoltageThresholdPercent,
		defaultSleep:     DefaultSleep,
		longSleep:        LongSleep,
		mediumSleep:      MediumSleep,
		normalSleep:      NormalSleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dedup = cache.New(e.dedupWindow, e.dedupWindow)
	return e
}

// DetermineDuration applies the sleep-duration policy table.
func (e *SleepEmitter) DetermineDuration(voltage *float64) time.Duration {
	if voltage == nil {
		return e.defaultSleep
	}
	if *voltage < e.voltageThreshold {
		if e.currentHour(e.now()) >= 12 {
			return e.longSleep
		}
		return e.mediumSleep
	}
	return e.normalSleep
}

// FormatCommand renders the literal wire form the gateway expects.
func FormatCommand(sid protocol.SID, d time.Duration) []byte {
	return []byte(fmt.Sprintf("CMD_SEND_ESP_NOW:%s:%d\n", sid.String(), int(d.Seconds())))
}

// Schedule waits postEOFDelay then emits a sleep command for sid, unless
// canceled via ctx or deduped against a recent send. The wait and write both
// happen on a spawned goroutine so the caller's EOF handling never blocks on
// the reception-window delay.
func (e *SleepEmitter) Schedule(ctx context.Context, sid protocol.SID, voltage *float64) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		timer := time.NewTimer(e.postEOFDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		e.emit(ctx, sid, voltage)
	}()
}

func (e *SleepEmitter) emit(ctx context.Context, sid protocol.SID, voltage *float64) {
	key := sid.String()
	if _, found := e.dedup.Get(key); found {
		e.logger.Debug("sleep command deduped", "source", key)
		return
	}

	if e.writer == nil {
		e.logger.Warn("no transport for sleep command, skipping", "source", key)
		return
	}

	d := e.DetermineDuration(voltage)
	cmd := FormatCommand(sid, d)
	if err := e.writer.Write(ctx, cmd); err != nil {
		e.logger.Error("sleep command write failed", "source", key, "err", err)
		return
	}
	e.dedup.Set(key, struct{}{}, cache.DefaultExpiration)
}

// Wait blocks until every scheduled-but-not-yet-fired emission completes or
// is canceled. Used on shutdown.
func (e *SleepEmitter) Wait() {
	e.wg.Wait()
}
