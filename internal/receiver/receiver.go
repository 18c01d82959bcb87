// Package receiver wires the Transport, Decoder, Dispatcher, Source Table,
// Reaper, and Sleep Emitter into a single cooperative task: one goroutine
// owns the byte buffer and the source table;
// blocking I/O is off-loaded to a worker pool instead of stalling it.
//
// Follows appserver.go's main loop shape (attach to transport,
// read, dispatch, repeat) generalized from an AX.25 application session
// loop to this protocol's frame loop.
package receiver

import (
	"context"
	"time"

	"github.com/fieldwatch/sensorgw/internal/dispatch"
	"github.com/fieldwatch/sensorgw/internal/image"
	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/protocol"
	"github.com/fieldwatch/sensorgw/internal/source"
	"github.com/fieldwatch/sensorgw/internal/telemetry"
	"github.com/fieldwatch/sensorgw/internal/transport"
)

// transportWriter adapts a transport.Transport into dispatch.CommandWriter.
type transportWriter struct {
	t transport.Transport
}

func (w transportWriter) Write(ctx context.Context, p []byte) error {
	return w.t.Write(ctx, p)
}

// Receiver is the assembled pipeline for one physical connection.
type Receiver struct {
	logger     logging.Logger
	table      *source.Table
	images     *image.Assembler
	telemetry  telemetry.Sink
	decoder    *protocol.Decoder
	dispatcher *dispatch.Dispatcher
	sleep      *dispatch.SleepEmitter
	reaper     *source.Reaper
	pool       *dispatch.WorkerPool

	idleTimeout    time.Duration
	postEOFDelay   time.Duration
	maxTotalBuffer int64

	sleepDedupWindow        time.Duration
	voltageThresholdPercent float64
	sleepDurationDefault    time.Duration
	sleepDurationLong       time.Duration
	sleepDurationMedium     time.Duration
	sleepDurationNormal     time.Duration

	readBuf []byte
}

// Deps bundles everything New needs to assemble a Receiver; every field is
// already constructed by the caller (cmd/sensorgw's wiring layer), which
// keeps this package free of config-file or flag concerns.
type Deps struct {
	Logger       logging.Logger
	ImageSink    image.Sink
	Telemetry    telemetry.Sink
	MaxPayload   uint32
	TestMode     bool
	IdleTimeout  time.Duration
	PostEOFDelay time.Duration
	PoolWorkers  int
	PoolQueue    int

	MaxTotalBuffer       int64
	MaxConcurrentStreams int

	SleepDedupWindow        time.Duration
	VoltageThresholdPercent float64
	SleepDurationDefault    time.Duration
	SleepDurationLong       time.Duration
	SleepDurationMedium     time.Duration
	SleepDurationNormal     time.Duration
}

// New assembles a Receiver. The returned Receiver is not yet bound to a
// transport; call Attach once per connection. Each Attach ends by clearing
// the source table and decode buffer, so per-source state does not leak
// across a reconnect.
func New(deps Deps) *Receiver {
	if deps.PoolWorkers <= 0 {
		deps.PoolWorkers = 4
	}
	if deps.PoolQueue <= 0 {
		deps.PoolQueue = 64
	}

	var imageOpts []image.Option
	if deps.MaxConcurrentStreams > 0 {
		imageOpts = append(imageOpts, image.WithMaxStreams(deps.MaxConcurrentStreams))
	}

	table := source.NewTable()
	images := image.New(deps.ImageSink, deps.Logger, deps.TestMode, imageOpts...)
	pool := dispatch.NewWorkerPool(deps.PoolWorkers, deps.PoolQueue, deps.Logger)

	decoder := protocol.NewDecoder(deps.Logger, protocol.WithMaxPayload(deps.MaxPayload))

	return &Receiver{
		logger:         deps.Logger,
		table:          table,
		images:         images,
		telemetry:      deps.Telemetry,
		decoder:        decoder,
		pool:           pool,
		idleTimeout:    deps.IdleTimeout,
		postEOFDelay:   deps.PostEOFDelay,
		maxTotalBuffer: deps.MaxTotalBuffer,

		sleepDedupWindow:        deps.SleepDedupWindow,
		voltageThresholdPercent: deps.VoltageThresholdPercent,
		sleepDurationDefault:    deps.SleepDurationDefault,
		sleepDurationLong:       deps.SleepDurationLong,
		sleepDurationMedium:     deps.SleepDurationMedium,
		sleepDurationNormal:     deps.SleepDurationNormal,

		readBuf: make([]byte, 4096),
	}
}

// Attach binds a live transport for the duration of one connection: sleep
// commands write to it, and pump reads frames from it until ctx is canceled
// or the transport errors.
func (r *Receiver) Attach(ctx context.Context, t transport.Transport) {
	writer := transportWriter{t: t}

	var sleepOpts []dispatch.SleepOption
	if r.postEOFDelay > 0 {
		sleepOpts = append(sleepOpts, dispatch.WithPostEOFDelay(r.postEOFDelay))
	}
	if r.sleepDedupWindow > 0 {
		sleepOpts = append(sleepOpts, dispatch.WithSleepDedupWindow(r.sleepDedupWindow))
	}
	if r.voltageThresholdPercent > 0 {
		sleepOpts = append(sleepOpts, dispatch.WithVoltageThreshold(r.voltageThresholdPercent))
	}
	if r.sleepDurationDefault > 0 || r.sleepDurationLong > 0 || r.sleepDurationMedium > 0 || r.sleepDurationNormal > 0 {
		sleepOpts = append(sleepOpts, dispatch.WithSleepDurations(
			orDefault(r.sleepDurationDefault, dispatch.DefaultSleep),
			orDefault(r.sleepDurationLong, dispatch.LongSleep),
			orDefault(r.sleepDurationMedium, dispatch.MediumSleep),
			orDefault(r.sleepDurationNormal, dispatch.NormalSleep),
		))
	}
	r.sleep = dispatch.NewSleepEmitter(writer, r.logger, sleepOpts...)
	r.dispatcher = dispatch.New(r.table, r.images, r.telemetry, r.sleep, r.pool, r.logger)

	var reaperOpts []source.Option
	if r.idleTimeout > 0 {
		reaperOpts = append(reaperOpts, source.WithIdleTimeout(r.idleTimeout))
	}
	if r.maxTotalBuffer > 0 {
		reaperOpts = append(reaperOpts, source.WithMaxTotalBuffer(r.maxTotalBuffer))
	}
	r.reaper = source.NewReaper(r.table, r.images, r.images.TotalBytes, r.logger, reaperOpts...)
	// connCtx ends with this connection, whether ctx was canceled or the
	// transport failed, so the reaper and pending sleep commands stop too.
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go r.reaper.Run(connCtx)

	r.pump(connCtx, t)
	cancelConn()

	r.shutdown()
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// pump is the cooperative read/decode/dispatch loop.
func (r *Receiver) pump(ctx context.Context, t transport.Transport) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := t.Read(r.readBuf)
		if err != nil {
			r.logger.Warn("receiver: transport read error, ending connection", "err", err)
			return
		}
		if n == 0 {
			continue
		}

		r.decoder.Feed(r.readBuf[:n])
		events := r.decoder.Drain(r.images.AnyActive())
		for _, ev := range events {
			switch ev.Kind {
			case protocol.EventFrame:
				r.dispatcher.Handle(ctx, ev.Frame)
			case protocol.EventOutOfBandEOF:
				r.handleOutOfBandEOF(ctx)
			}
		}
	}
}

// handleOutOfBandEOF maps a raw ASCII "EOF" / "---EOF---" compatibility
// marker onto the most recently active source, since the marker itself
// carries no source identifier, and dispatches a synthesized EOF frame for
// it exactly as if the framed EOF had arrived.
func (r *Receiver) handleOutOfBandEOF(ctx context.Context) {
	sid, ok := r.table.MostRecentlyActive()
	if !ok {
		r.logger.Debug("out-of-band EOF marker seen with no active source, ignoring")
		return
	}
	r.dispatcher.Handle(ctx, protocol.Frame{SourceID: sid, Type: protocol.TypeEOF})
}

// shutdown aborts every in-flight source, clears state, and lets pending
// sleep-command goroutines observe the canceled context and exit without
// writing.
func (r *Receiver) shutdown() {
	for _, sid := range r.table.All() {
		r.images.Abort(sid, "transport lost")
	}
	r.table.Clear()
	r.decoder.Reset()

	if r.sleep != nil {
		r.sleep.Wait()
	}
}

// Close stops the shared worker pool. Call once, after every Attach'd
// connection has ended.
func (r *Receiver) Close() {
	r.pool.Close()
}
