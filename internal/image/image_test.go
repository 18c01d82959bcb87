package image

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/protocol"
)

func jpegPayload(n int) []byte {
	buf := make([]byte, 0, n+4)
	buf = append(buf, 0xFF, 0xD8)
	for len(buf) < n-2 {
		buf = append(buf, 0xAA)
	}
	buf = append(buf, 0xFF, 0xD9)
	return buf
}

// TestAssembler_RoundTripImage checks that appended chunks come back out
// in the same order and bytes on finalize.
func TestAssembler_RoundTripImage(t *testing.T) {
	sink := newMemSink()
	asm := New(sink, logging.NewDiscard(), false)
	sid := protocol.SID{1, 2, 3, 4, 5, 6}

	full := jpegPayload(1500)
	chunks := [][]byte{full[:500], full[500:1000], full[1000:]}

	require.NoError(t, asm.Start(sid, sid.String(), "somehash"))
	for i, c := range chunks {
		require.NoError(t, asm.Append(sid, sid.String(), uint32(i+1), c))
	}

	result := asm.Finalize(sid)
	require.False(t, result.Rejected, result.Reason)
	assert.Equal(t, full, sink.finalized[result.Location])
}

func TestAssembler_HashAfterDataPreservesStream(t *testing.T) {
	sink := newMemSink()
	asm := New(sink, logging.NewDiscard(), false)
	sid := protocol.SID{1, 2, 3, 4, 5, 6}

	full := jpegPayload(1200)
	require.NoError(t, asm.Append(sid, sid.String(), 1, full[:600]))
	require.NoError(t, asm.Start(sid, sid.String(), "latehash"))
	require.NoError(t, asm.Append(sid, sid.String(), 2, full[600:]))

	result := asm.Finalize(sid)
	require.False(t, result.Rejected)
	assert.Equal(t, full, sink.finalized[result.Location])
	assert.Equal(t, 1, sink.opened, "HASH after DATA must not re-open the scratch")
}

func TestAssembler_RejectsUndersizeBlob(t *testing.T) {
	sink := newMemSink()
	asm := New(sink, logging.NewDiscard(), false)
	sid := protocol.SID{9, 9, 9, 9, 9, 9}

	require.NoError(t, asm.Append(sid, sid.String(), 1, jpegPayload(100)))
	result := asm.Finalize(sid)

	assert.True(t, result.Rejected)
	assert.Equal(t, 1, sink.discarded)
}

func TestAssembler_TestModeSkipsValidation(t *testing.T) {
	sink := newMemSink()
	asm := New(sink, logging.NewDiscard(), true)
	sid := protocol.SID{9, 9, 9, 9, 9, 9}

	require.NoError(t, asm.Append(sid, sid.String(), 1, []byte("tiny")))
	result := asm.Finalize(sid)

	assert.False(t, result.Rejected)
}

// TestAssembler_IdempotentFinalize checks that finalizing an already
// finalized stream is a no-op, not a second write.
func TestAssembler_IdempotentFinalize(t *testing.T) {
	sink := newMemSink()
	asm := New(sink, logging.NewDiscard(), false)
	sid := protocol.SID{1, 1, 1, 1, 1, 1}

	require.NoError(t, asm.Append(sid, sid.String(), 1, jpegPayload(1200)))
	first := asm.Finalize(sid)
	require.False(t, first.Rejected)

	second := asm.Finalize(sid)
	assert.True(t, second.Rejected, "finalize on an unknown source must not re-finalize")
}

func TestAssembler_ConcurrencyCapEvictsOldest(t *testing.T) {
	sink := newMemSink()
	asm := New(sink, logging.NewDiscard(), false)

	var sids []protocol.SID
	for i := 0; i < MaxConcurrentStreams+1; i++ {
		sid := protocol.SID{byte(i), 0, 0, 0, 0, 1}
		sids = append(sids, sid)
		require.NoError(t, asm.Start(sid, sid.String(), ""))
	}

	assert.False(t, asm.Active(sids[0]), "oldest stream should have been evicted")
	assert.True(t, asm.Active(sids[len(sids)-1]))
	assert.Equal(t, 1, sink.discarded)
}

func TestAssembler_WithMaxStreamsOverridesDefault(t *testing.T) {
	sink := newMemSink()
	asm := New(sink, logging.NewDiscard(), false, WithMaxStreams(2))

	var sids []protocol.SID
	for i := 0; i < 3; i++ {
		sid := protocol.SID{byte(i), 0, 0, 0, 0, 2}
		sids = append(sids, sid)
		require.NoError(t, asm.Start(sid, sid.String(), ""))
	}

	assert.False(t, asm.Active(sids[0]), "oldest stream should have been evicted under the lowered cap")
	assert.True(t, asm.Active(sids[len(sids)-1]))
}

func TestAssembler_MissingMagicHeadRejected(t *testing.T) {
	sink := newMemSink()
	asm := New(sink, logging.NewDiscard(), false)
	sid := protocol.SID{2, 2, 2, 2, 2, 2}

	payload := bytes.Repeat([]byte{0x00}, 1200)
	require.NoError(t, asm.Append(sid, sid.String(), 1, payload))
	result := asm.Finalize(sid)

	assert.True(t, result.Rejected)
}
