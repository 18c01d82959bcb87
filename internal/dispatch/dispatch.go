// Package dispatch implements the Dispatcher and Sleep-Command Emitter:
// routing decoded frames to the source table,
// image assembler, and telemetry sink, then scheduling the sleep-command
// reply.
//
// Grounded on sleep_controller.py for the policy and wire format, and on
// dlq.go's off-load-blocking-work shape (see pool.go).
package dispatch

import (
	"context"
	"time"

	"github.com/fieldwatch/sensorgw/internal/image"
	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/protocol"
	"github.com/fieldwatch/sensorgw/internal/source"
	"github.com/fieldwatch/sensorgw/internal/telemetry"
)

// EOFDedupWindow is the "last 5 s" EOF dedup window, distinct
// from the sleep emitter's own SleepDedupWindow.
const EOFDedupWindow = 5 * time.Second

// ImageAssembler is the subset of image.Assembler the Dispatcher drives.
type ImageAssembler interface {
	Start(sid protocol.SID, sourceIDHex string, hashData string) error
	Append(sid protocol.SID, sourceIDHex string, sequence uint32, chunk []byte) error
	Finalize(sid protocol.SID) image.Result
	Active(sid protocol.SID) bool
}

// Dispatcher routes decoded frames to the table, image assembler,
// telemetry sink, and sleep emitter.
type Dispatcher struct {
	table     *source.Table
	images    ImageAssembler
	telemetry telemetry.Sink
	sleep     *SleepEmitter
	pool      *WorkerPool
	logger    logging.Logger
	now       func() time.Time
}

// New builds a Dispatcher. pool may be nil, in which case telemetry writes
// and image finalization run synchronously (used by tests that need
// deterministic ordering).
func New(table *source.Table, images ImageAssembler, sink telemetry.Sink, sleep *SleepEmitter, pool *WorkerPool, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		table:     table,
		images:    images,
		telemetry: sink,
		sleep:     sleep,
		pool:      pool,
		logger:    logger,
		now:       time.Now,
	}
}

func (d *Dispatcher) submit(job func()) {
	if d.pool == nil {
		job()
		return
	}
	d.pool.Submit(job)
}

// Handle routes a single decoded frame. Frames for the same
// SID must be handed to Handle in arrival order; the dispatcher does not
// reorder or buffer across calls.
func (d *Dispatcher) Handle(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeHash:
		d.handleHash(ctx, f)
	case protocol.TypeData:
		d.handleData(f)
	case protocol.TypeEOF:
		d.handleEOF(ctx, f)
	default:
		d.logger.Warn("dispatch: unknown frame type, dropping", "type", byte(f.Type))
	}
}

func (d *Dispatcher) handleHash(ctx context.Context, f protocol.Frame) {
	reading, ok := telemetry.Decode(f.Payload)
	if !ok {
		d.logger.Warn("dispatch: unparseable HASH payload, dropping", "source", f.SourceID)
		return
	}

	st := d.table.GetOrCreate(f.SourceID)
	st.VoltageCache = reading.Voltage
	st.HasImageExpected = reading.HasImage
	st.LastAnyTime = d.now()

	if d.telemetry != nil {
		sid, hex, ts := f.SourceID, f.SourceID.String(), d.now()
		d.submit(func() {
			writeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := d.telemetry.Write(writeCtx, hex, reading.Voltage, reading.Temperature, ts); err != nil {
				d.logger.Error("dispatch: telemetry write failed", "source", sid, "err", err)
			}
		})
	}

	if reading.HasImage {
		hashData := string(f.Payload)
		if err := d.images.Start(f.SourceID, f.SourceID.String(), hashData); err != nil {
			d.logger.Error("dispatch: failed to start image stream", "source", f.SourceID, "err", err)
		}
	}
}

func (d *Dispatcher) handleData(f protocol.Frame) {
	st := d.table.GetOrCreate(f.SourceID)

	if st.Stats.ChunksReceived == 0 {
		st.Stats.FirstChunkTime = d.now()
	} else if f.Sequence != st.LastSequence+1 {
		d.logger.Warn("dispatch: sequence gap", "source", f.SourceID, "expected", st.LastSequence+1, "got", f.Sequence)
	}

	if err := d.images.Append(f.SourceID, f.SourceID.String(), f.Sequence, f.Payload); err != nil {
		d.logger.Error("dispatch: image append failed", "source", f.SourceID, "err", err)
	}

	st.LastSequence = f.Sequence
	st.Stats.ChunksReceived++
	st.Stats.BytesReceived += len(f.Payload)
	now := d.now()
	st.LastDataTime = now
	st.LastAnyTime = now
}

func (d *Dispatcher) handleEOF(ctx context.Context, f protocol.Frame) {
	st := d.table.GetOrCreate(f.SourceID)
	now := d.now()

	if !st.EOFProcessedTime.IsZero() && now.Sub(st.EOFProcessedTime) < EOFDedupWindow {
		d.logger.Debug("dispatch: duplicate EOF within dedup window, skipping", "source", f.SourceID)
		return
	}
	st.EOFProcessedTime = now
	st.LastAnyTime = now

	if d.images.Active(f.SourceID) {
		sid := f.SourceID
		d.submit(func() {
			result := d.images.Finalize(sid)
			if result.Rejected {
				d.logger.Warn("dispatch: image finalize rejected", "source", sid, "reason", result.Reason)
			}
		})
	}

	if d.sleep != nil {
		d.sleep.Schedule(ctx, f.SourceID, st.VoltageCache)
	}
}
