// Package image assembles per-source streaming image transfers into scratch
// blobs and hands finished blobs to a persistence Sink.
//
// Grounded on the original Python reference's two processors
// (processors/image_processor.py's legacy buffer-then-save model and
// processors/streaming_image_processor.py's append-as-received model),
// unified here behind one Assembler whose Sink decides which behavior it
// gets — exactly what the CLI's --mode flag selects.
package image

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/protocol"
)

// MaxConcurrentStreams is the default cap on simultaneously active scratch
// blobs.
const MaxConcurrentStreams = 5

// magicHead/magicTail are the JPEG SOI/EOI markers. A missing head is a
// validation reject; Finalize does not check for the tail marker.
var (
	magicHead = []byte{0xFF, 0xD8}
	magicTail = []byte{0xFF, 0xD9}
)

const minFinalSize = 1024 // 1 KiB

// Sink persists a finalized image. Open returns a handle
// used for subsequent Append/Close/Discard calls.
type Sink interface {
	Open(sourceIDHex string) (Handle, error)
	Append(h Handle, chunk []byte) error
	Close(h Handle) (location string, err error)
	Discard(h Handle)
}

// Handle identifies an open scratch blob within a Sink.
type Handle interface{}

// FileSink implements Sink over the local filesystem: each open blob is a
// scratch file, finalized by renaming it into place with a generated name
// containing the SID and a local wall-clock timestamp.
type FileSink struct {
	ScratchDir string
	FinalDir   string
	Pattern    *strftime.Strftime
}

// NewFileSink builds a FileSink. namePattern is an strftime pattern applied
// to the finalize timestamp, e.g. "%Y%m%d-%H%M%S".
func NewFileSink(scratchDir, finalDir, namePattern string) (*FileSink, error) {
	pattern, err := strftime.New(namePattern)
	if err != nil {
		return nil, fmt.Errorf("image: invalid filename pattern: %w", err)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return nil, err
	}
	return &FileSink{ScratchDir: scratchDir, FinalDir: finalDir, Pattern: pattern}, nil
}

type fileHandle struct {
	sourceIDHex string
	f           *os.File
	path        string
}

func (s *FileSink) Open(sourceIDHex string) (Handle, error) {
	path := fmt.Sprintf("%s/%s.scratch", s.ScratchDir, safeName(sourceIDHex))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileHandle{sourceIDHex: sourceIDHex, f: f, path: path}, nil
}

func (s *FileSink) Append(h Handle, chunk []byte) error {
	fh := h.(*fileHandle)
	_, err := fh.f.Write(chunk)
	return err
}

func (s *FileSink) Close(h Handle) (string, error) {
	fh := h.(*fileHandle)
	if err := fh.f.Close(); err != nil {
		return "", err
	}
	stamp := s.Pattern.FormatString(time.Now())
	dest := fmt.Sprintf("%s/%s-%s.jpg", s.FinalDir, safeName(fh.sourceIDHex), stamp)
	if err := os.Rename(fh.path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *FileSink) Discard(h Handle) {
	fh := h.(*fileHandle)
	_ = fh.f.Close()
	_ = os.Remove(fh.path)
}

// LegacySink implements Sink by buffering each stream entirely in memory and
// writing the finished blob straight to FinalDir on Close, rather than
// appending to a scratch file as FileSink does. Grounded on the original
// reference's processors/image_processor.py buffer-then-save model,
// selected by the CLI's --mode=legacy flag.
type LegacySink struct {
	FinalDir string
	Pattern  *strftime.Strftime
}

// NewLegacySink builds a LegacySink. namePattern is an strftime pattern
// applied to the finalize timestamp, e.g. "%Y%m%d-%H%M%S".
func NewLegacySink(finalDir, namePattern string) (*LegacySink, error) {
	pattern, err := strftime.New(namePattern)
	if err != nil {
		return nil, fmt.Errorf("image: invalid filename pattern: %w", err)
	}
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return nil, err
	}
	return &LegacySink{FinalDir: finalDir, Pattern: pattern}, nil
}

type bufferHandle struct {
	sourceIDHex string
	buf         bytes.Buffer
}

func (s *LegacySink) Open(sourceIDHex string) (Handle, error) {
	return &bufferHandle{sourceIDHex: sourceIDHex}, nil
}

func (s *LegacySink) Append(h Handle, chunk []byte) error {
	bh := h.(*bufferHandle)
	_, err := bh.buf.Write(chunk)
	return err
}

func (s *LegacySink) Close(h Handle) (string, error) {
	bh := h.(*bufferHandle)
	stamp := s.Pattern.FormatString(time.Now())
	dest := fmt.Sprintf("%s/%s-%s.jpg", s.FinalDir, safeName(bh.sourceIDHex), stamp)
	if err := os.WriteFile(dest, bh.buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *LegacySink) Discard(h Handle) {
	// Nothing on disk to remove; the buffer is simply never written.
}

func safeName(s string) string {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			buf = append(buf, byte(r))
		case r == ':':
			buf = append(buf, '-')
		default:
			buf = append(buf, '_')
		}
	}
	return string(buf)
}

// stream is the in-flight state for one source's image transfer.
type stream struct {
	handle       Handle
	startedAt    time.Time
	lastDataAt   time.Time
	bytesWritten int
	firstChunk   bool
	hashData     string
	// headBuf captures the start of the blob for magic-head validation
	// without requiring a re-read from the sink.
	headBuf []byte
}

// Result reports what Finalize decided.
type Result struct {
	Location string
	Rejected bool
	Reason   string
}

// Assembler owns every source's in-flight image stream.
// It is driven by a single owning task (the dispatcher); Abort may also be
// called from the timeout reaper's goroutine. The Assembler's own mutex
// guards the stream map; no source-table lock is held around these calls.
type Assembler struct {
	sink       Sink
	logger     logging.Logger
	testMode   bool
	maxStreams int

	mu      sync.Mutex
	streams map[protocol.SID]*stream
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMaxStreams overrides MaxConcurrentStreams.
func WithMaxStreams(n int) Option {
	return func(a *Assembler) { a.maxStreams = n }
}

// New builds an Assembler. testMode, when true, skips the strict
// finalize-time validation.
func New(sink Sink, logger logging.Logger, testMode bool, opts ...Option) *Assembler {
	a := &Assembler{
		sink:       sink,
		logger:     logger,
		testMode:   testMode,
		maxStreams: MaxConcurrentStreams,
		streams:    make(map[protocol.SID]*stream),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins (or, on a HASH with an already-open stream, simply updates
// the metadata of) an image stream for sid. hashData is the raw HASH
// payload text, stored for diagnostics; pass "" from an implicit DATA-driven
// start.
func (a *Assembler) Start(sid protocol.SID, sourceIDHex string, hashData string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.streams[sid]; ok {
		// HASH arriving after DATA chunks already started (pipelining) is
		// deliberate: preserve the in-flight blob, just update metadata.
		st.hashData = hashData
		return nil
	}

	if len(a.streams) >= a.maxStreams {
		a.evictOldestLocked()
	}

	h, err := a.sink.Open(sourceIDHex)
	if err != nil {
		return fmt.Errorf("image: open scratch for %s: %w", sourceIDHex, err)
	}

	a.streams[sid] = &stream{
		handle:    h,
		startedAt: time.Now(),
		hashData:  hashData,
	}
	return nil
}

// evictOldestLocked aborts the oldest-started stream to make room for a new
// one. Caller must hold a.mu.
func (a *Assembler) evictOldestLocked() {
	var oldestSID protocol.SID
	var oldestAt time.Time
	first := true
	for sid, st := range a.streams {
		if first || st.startedAt.Before(oldestAt) {
			oldestSID, oldestAt, first = sid, st.startedAt, false
		}
	}
	if !first {
		a.logger.Warn("evicting oldest image stream: concurrency cap exceeded", "source", oldestSID)
		a.abortLocked(oldestSID, "concurrency cap exceeded")
	}
}

// Append appends chunk to sid's scratch blob, starting the stream
// implicitly if none exists yet.
func (a *Assembler) Append(sid protocol.SID, sourceIDHex string, sequence uint32, chunk []byte) error {
	a.mu.Lock()
	st, ok := a.streams[sid]
	a.mu.Unlock()

	if !ok {
		if err := a.Start(sid, sourceIDHex, ""); err != nil {
			return err
		}
		a.mu.Lock()
		st = a.streams[sid]
		a.mu.Unlock()
	}

	if err := a.sink.Append(st.handle, chunk); err != nil {
		a.logger.Error("image: append failed, aborting stream", "source", sourceIDHex, "err", err)
		a.Abort(sid, "append failure")
		return err
	}

	a.mu.Lock()
	if len(st.headBuf) < len(magicHead) {
		st.headBuf = append(st.headBuf, chunk...)
	}
	st.bytesWritten += len(chunk)
	st.lastDataAt = time.Now()
	if !st.firstChunk {
		st.firstChunk = true
		if len(st.headBuf) >= len(magicHead) && !bytes.HasPrefix(st.headBuf, magicHead) {
			a.logger.Warn("image: first chunk missing magic head, continuing anyway", "source", sourceIDHex)
		}
	}
	a.mu.Unlock()

	return nil
}

// Finalize closes sid's scratch blob and hands it to the Sink, after an
// ordered validation: missing scratch, size < 1 KiB,
// missing magic head (skipped entirely in test mode).
func (a *Assembler) Finalize(sid protocol.SID) Result {
	a.mu.Lock()
	st, ok := a.streams[sid]
	if ok {
		delete(a.streams, sid)
	}
	a.mu.Unlock()

	if !ok {
		return Result{Rejected: true, Reason: "no scratch for source"}
	}

	if !a.testMode {
		if st.bytesWritten < minFinalSize {
			a.sink.Discard(st.handle)
			return Result{Rejected: true, Reason: "blob smaller than minimum size"}
		}
		if len(st.headBuf) >= len(magicHead) && !bytes.HasPrefix(st.headBuf, magicHead) {
			a.sink.Discard(st.handle)
			return Result{Rejected: true, Reason: "missing image magic head"}
		}
	}

	location, err := a.sink.Close(st.handle)
	if err != nil {
		return Result{Rejected: true, Reason: err.Error()}
	}
	return Result{Location: location}
}

// Abort deletes sid's scratch blob and all in-flight state, logging reason.
func (a *Assembler) Abort(sid protocol.SID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abortLocked(sid, reason)
}

func (a *Assembler) abortLocked(sid protocol.SID, reason string) {
	st, ok := a.streams[sid]
	if !ok {
		return
	}
	delete(a.streams, sid)
	a.sink.Discard(st.handle)
	a.logger.Warn("image stream aborted", "source", sid, "reason", reason)
}

// TotalBytes sums the in-flight byte count across every open stream, for
// the reaper's memory-cap enforcement.
func (a *Assembler) TotalBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, st := range a.streams {
		total += int64(st.bytesWritten)
	}
	return total
}

// Active reports whether sid currently has an in-flight image stream.
func (a *Assembler) Active(sid protocol.SID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.streams[sid]
	return ok
}

// AnyActive reports whether any source currently has an in-flight image
// stream; the decoder uses this to select its adaptive frame-open timeout.
func (a *Assembler) AnyActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams) > 0
}
