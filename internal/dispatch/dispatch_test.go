package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldwatch/sensorgw/internal/image"
	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/protocol"
	"github.com/fieldwatch/sensorgw/internal/source"
	"github.com/fieldwatch/sensorgw/internal/telemetry"
)

func testSID(b byte) protocol.SID { return protocol.SID{b, b, b, b, b, b} }

type fakeImages struct {
	mu       sync.Mutex
	started  map[protocol.SID]string
	appended map[protocol.SID][][]byte
	active   map[protocol.SID]bool
	finalize image.Result
}

func newFakeImages() *fakeImages {
	return &fakeImages{
		started:  make(map[protocol.SID]string),
		appended: make(map[protocol.SID][][]byte),
		active:   make(map[protocol.SID]bool),
	}
}

func (f *fakeImages) Start(sid protocol.SID, sourceIDHex string, hashData string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[sid] = hashData
	f.active[sid] = true
	return nil
}

func (f *fakeImages) Append(sid protocol.SID, sourceIDHex string, sequence uint32, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[sid] = append(f.appended[sid], chunk)
	f.active[sid] = true
	return nil
}

func (f *fakeImages) Finalize(sid protocol.SID) image.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, sid)
	return f.finalize
}

func (f *fakeImages) Active(sid protocol.SID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[sid]
}

type fakeSink struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSink) Write(ctx context.Context, sourceIDHex string, voltage, temperature *float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}
func (s *fakeSink) Close() {}

type fakeWriter struct {
	mu   sync.Mutex
	cmds [][]byte
}

func (w *fakeWriter) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cmds = append(w.cmds, p)
	return nil
}

func (w *fakeWriter) snapshot() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.cmds))
	copy(out, w.cmds)
	return out
}

func hashPayload(hex string, volt, temp string) []byte {
	return []byte("HASH:" + hex + ",VOLT:" + volt + ",TEMP:" + temp)
}

func TestDispatcher_HashStartsImageAndWritesTelemetry(t *testing.T) {
	tbl := source.NewTable()
	images := newFakeImages()
	sink := &fakeSink{}
	d := New(tbl, images, sink, nil, nil, logging.NewDiscard())

	sid := testSID(1)
	d.Handle(context.Background(), protocol.Frame{
		SourceID: sid, Type: protocol.TypeHash,
		Payload: hashPayload(strings.Repeat("a", telemetry.DummyHashLength), "85", "25"),
	})

	assert.True(t, images.Active(sid))
	st, ok := tbl.Get(sid)
	require.True(t, ok)
	require.NotNil(t, st.VoltageCache)
	assert.Equal(t, 85.0, *st.VoltageCache)
	assert.Equal(t, 1, sink.calls)
}

func TestDispatcher_DummyHashDoesNotStartImage(t *testing.T) {
	tbl := source.NewTable()
	images := newFakeImages()
	d := New(tbl, images, &fakeSink{}, nil, nil, logging.NewDiscard())

	sid := testSID(2)
	d.Handle(context.Background(), protocol.Frame{
		SourceID: sid, Type: protocol.TypeHash,
		Payload: hashPayload(strings.Repeat("0", telemetry.DummyHashLength), "90", "22"),
	})

	assert.False(t, images.Active(sid))
}

func TestDispatcher_DataAppendsAndTracksSequence(t *testing.T) {
	tbl := source.NewTable()
	images := newFakeImages()
	d := New(tbl, images, &fakeSink{}, nil, nil, logging.NewDiscard())

	sid := testSID(3)
	d.Handle(context.Background(), protocol.Frame{SourceID: sid, Type: protocol.TypeData, Sequence: 1, Payload: []byte("aa")})
	d.Handle(context.Background(), protocol.Frame{SourceID: sid, Type: protocol.TypeData, Sequence: 2, Payload: []byte("bb")})

	st, ok := tbl.Get(sid)
	require.True(t, ok)
	assert.Equal(t, uint32(2), st.LastSequence)
	assert.Equal(t, 2, st.Stats.ChunksReceived)
	assert.Len(t, images.appended[sid], 2)
}

func TestDispatcher_EOFDedupWithinWindow(t *testing.T) {
	tbl := source.NewTable()
	images := newFakeImages()
	images.active[testSID(4)] = true

	now := time.Unix(1000, 0)
	d := New(tbl, images, &fakeSink{}, nil, nil, logging.NewDiscard())
	d.now = func() time.Time { return now }

	sid := testSID(4)
	d.Handle(context.Background(), protocol.Frame{SourceID: sid, Type: protocol.TypeEOF})
	firstFinalizeSeen := !images.Active(sid)
	require.True(t, firstFinalizeSeen)

	images.active[sid] = true // simulate a second image stream opening
	d.now = func() time.Time { return now.Add(1 * time.Second) }
	d.Handle(context.Background(), protocol.Frame{SourceID: sid, Type: protocol.TypeEOF})

	// Within the 5s dedup window, the second EOF must not re-finalize.
	assert.True(t, images.Active(sid))
}

// TestDispatcher_SleepDedup checks that repeated EOFs within the dedup
// window produce at most one sleep command.
func TestDispatcher_SleepDedup(t *testing.T) {
	tbl := source.NewTable()
	images := newFakeImages()
	writer := &fakeWriter{}

	now := time.Unix(2000, 0)
	emitter := NewSleepEmitter(writer, logging.NewDiscard(),
		WithPostEOFDelay(0),
		WithSleepClock(func() time.Time { return now }))
	d := New(tbl, images, &fakeSink{}, emitter, nil, logging.NewDiscard())
	d.now = func() time.Time { return now }

	sid := testSID(5)
	for i := 0; i < 3; i++ {
		d.now = func() time.Time { return now.Add(time.Duration(i) * 6 * time.Second) }
		d.Handle(context.Background(), protocol.Frame{SourceID: sid, Type: protocol.TypeEOF})
		time.Sleep(5 * time.Millisecond)
	}
	emitter.Wait()

	assert.LessOrEqual(t, len(writer.snapshot()), 1, "at most one sleep command within the dedup window")
}

func TestFormatCommand_MatchesWireForm(t *testing.T) {
	sid := testSID(0xAB)
	cmd := FormatCommand(sid, 600*time.Second)
	assert.Equal(t, "CMD_SEND_ESP_NOW:"+sid.String()+":600\n", string(cmd))
}

func TestSleepEmitter_DurationPolicy(t *testing.T) {
	e := NewSleepEmitter(nil, logging.NewDiscard())

	assert.Equal(t, DefaultSleep, e.DetermineDuration(nil))

	low := 5.0
	e.currentHour = func(time.Time) int { return 14 }
	assert.Equal(t, LongSleep, e.DetermineDuration(&low))
	e.currentHour = func(time.Time) int { return 9 }
	assert.Equal(t, MediumSleep, e.DetermineDuration(&low))

	normal := 50.0
	assert.Equal(t, NormalSleep, e.DetermineDuration(&normal))
}
