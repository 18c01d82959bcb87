package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fieldwatch/sensorgw/internal/logging"
)

// Wire format constants. All multi-byte integers are
// little-endian; an older big-endian draft exists only as history, not as a
// supported path.
var (
	startMarker = []byte{0xfa, 0xce, 0xaa, 0xbb}
	endMarker   = []byte{0xcd, 0xef, 0x56, 0x78}
)

const (
	headerLen   = 4 + 6 + 1 + 4 + 4 // START + SID + TYPE + SEQ + LEN
	footerLen   = 4 + 4             // CKSUM + END
	minFrameLen = headerLen + footerLen

	// DefaultMaxPayload is the default MAX_PAYLOAD.
	DefaultMaxPayload = 512
	// maxReasonableSeq rejects implausible sequence numbers as sync errors.
	maxReasonableSeq = 1_000_000
	// sanityCapBytes bounds the buffer while resyncing without progress.
	sanityCapBytes = 1024

	frameOpenTimeoutIdle   = 2 * time.Second
	frameOpenTimeoutActive = 30 * time.Second
)

var (
	oobEOFShort = []byte("EOF")
	oobEOFLong  = []byte("---EOF---")
)

// EventKind distinguishes a decoded frame from an out-of-band compatibility
// signal.
type EventKind int

const (
	// EventFrame carries a fully decoded, validated Frame.
	EventFrame EventKind = iota
	// EventOutOfBandEOF is the raw ASCII "EOF" / "---EOF---" compatibility
	// signal: some gateway firmware drops
	// the framed EOF and instead emits this literal text. The decoder has
	// no notion of "the currently active source"; the caller maps this
	// event onto whichever source most recently had activity.
	// This path serves only gateway firmware older than the framed-EOF
	// rollout; it is removable once no such firmware remains in the fleet.
	EventOutOfBandEOF
)

// Event is one item yielded by Drain.
type Event struct {
	Kind  EventKind
	Frame Frame
}

// Decoder recovers discrete frames from a growing, possibly corrupted,
// possibly interleaved byte stream. It is not safe for concurrent use: the
// byte buffer is owned exclusively by the single task that calls Feed and
// Drain.
type Decoder struct {
	logger     logging.Logger
	buf        []byte
	frameOpen  time.Time
	maxPayload uint32
	now        func() time.Time

	warnedUnknownStart bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxPayload overrides DefaultMaxPayload.
func WithMaxPayload(n uint32) Option {
	return func(d *Decoder) { d.maxPayload = n }
}

// WithClock overrides the monotonic clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

// NewDecoder builds a Decoder. logger receives warnings for resyncs,
// rejected frames, and discarded junk.
func NewDecoder(logger logging.Logger, opts ...Option) *Decoder {
	d := &Decoder{
		logger:     logger,
		maxPayload: DefaultMaxPayload,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reset discards any partially-buffered bytes, e.g. on transport loss.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.frameOpen = time.Time{}
}

// Feed appends bytes arriving from the transport to the internal buffer.
// Arbitrary chunk sizes are supported: Drain's output is identical
// regardless of how Feed's input was partitioned.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Drain extracts zero or more complete frames from the buffer accumulated
// so far. activeImageStream selects the
// adaptive frame-open timeout: 30s when at least one source currently has
// an in-progress image transfer, 2s otherwise.
func (d *Decoder) Drain(activeImageStream bool) []Event {
	var events []Event

	for {
		idx := bytes.Index(d.buf, startMarker)
		if idx == -1 {
			d.scanForOOBEOF(d.buf, &events)
			// A partial marker may straddle the next Feed's boundary:
			// retain only the last len(start)-1 bytes.
			if keep := len(startMarker) - 1; len(d.buf) > keep {
				d.buf = d.buf[len(d.buf)-keep:]
			}
			return events
		}

		if idx > 0 {
			junk := d.buf[:idx]
			d.logger.Warn("discarding bytes before frame start", "count", idx, "preview", hexPreview(junk))
			d.scanForOOBEOF(junk, &events)
			d.buf = d.buf[idx:]
		}

		if d.frameOpen.IsZero() {
			d.frameOpen = d.now()
		}

		if len(d.buf) < headerLen {
			if d.expireFrameOpen(activeImageStream) {
				continue
			}
			return events
		}

		sid, typ, seq, length := parseHeader(d.buf)

		if length > d.maxPayload || seq > maxReasonableSeq {
			d.logger.Warn("rejecting frame: implausible header", "length", length, "sequence", seq, "source", sid)
			d.rejectAndResync()
			continue
		}

		total := headerLen + int(length) + footerLen
		if len(d.buf) < total {
			if d.expireFrameOpen(activeImageStream) {
				continue
			}
			return events
		}

		endOffset := headerLen + int(length) + 4 // skip reserved CKSUM
		if !bytes.Equal(d.buf[endOffset:endOffset+4], endMarker) {
			d.logger.Warn("discarding frame: end marker mismatch", "source", sid, "type", typ)
			d.rejectAndResync()
			continue
		}

		payload := make([]byte, length)
		copy(payload, d.buf[headerLen:headerLen+int(length)])

		events = append(events, Event{Kind: EventFrame, Frame: Frame{
			SourceID: sid,
			Type:     typ,
			Sequence: seq,
			Payload:  payload,
		}})

		d.buf = d.buf[total:]
		d.frameOpen = time.Time{}
	}
}

// rejectAndResync discards a byte from a candidate frame that failed
// validation and lets the next loop iteration re-scan for a START marker.
// Advancing exactly one byte (rather than the whole marker width) is what
// lets a second, immediately-following START become the new candidate
// while still guaranteeing
// forward progress.
func (d *Decoder) rejectAndResync() {
	d.buf = d.buf[1:]
	d.frameOpen = time.Time{}
	if len(d.buf) > sanityCapBytes {
		d.logger.Warn("clearing buffer: no sync progress within sanity cap", "size", len(d.buf))
		d.buf = nil
	}
}

// expireFrameOpen discards an in-progress frame once it has been open
// longer than the adaptive timeout, returning true if it did so (in which
// case the caller should re-loop since the buffer changed).
func (d *Decoder) expireFrameOpen(activeImageStream bool) bool {
	if d.frameOpen.IsZero() {
		return false
	}
	timeout := frameOpenTimeoutIdle
	if activeImageStream {
		timeout = frameOpenTimeoutActive
	}
	if d.now().Sub(d.frameOpen) <= timeout {
		return false
	}

	d.logger.Warn("frame-open timeout, discarding in-progress frame", "active_image_stream", activeImageStream)

	if idx := bytes.Index(d.buf[1:], startMarker); idx != -1 {
		d.buf = d.buf[1+idx:]
	} else if !activeImageStream {
		d.buf = nil
	}
	// else: preserve the buffer, it may hold legitimate pipelined data.

	d.frameOpen = time.Time{}
	return true
}

func (d *Decoder) scanForOOBEOF(b []byte, events *[]Event) {
	if bytes.Contains(b, oobEOFLong) || bytes.Contains(b, oobEOFShort) {
		*events = append(*events, Event{Kind: EventOutOfBandEOF})
	}
}

func parseHeader(buf []byte) (sid SID, typ Type, seq uint32, length uint32) {
	copy(sid[:], buf[4:10])
	typ = Type(buf[10])
	seq = binary.LittleEndian.Uint32(buf[11:15])
	length = binary.LittleEndian.Uint32(buf[15:19])
	return sid, typ, seq, length
}

func hexPreview(b []byte) string {
	const maxPreview = 16
	if len(b) > maxPreview {
		b = b[:maxPreview]
	}
	return fmt.Sprintf("% x", b)
}
