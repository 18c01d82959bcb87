package receiver

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldwatch/sensorgw/internal/image"
	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/protocol"
)

// netPipeTransport adapts a net.Conn (from net.Pipe) into transport.Transport
// for driving the Receiver end to end without a real serial device.
type netPipeTransport struct {
	conn net.Conn
}

func (p *netPipeTransport) Read(b []byte) (int, error) { return p.conn.Read(b) }
func (p *netPipeTransport) Write(ctx context.Context, b []byte) error {
	_, err := p.conn.Write(b)
	return err
}
func (p *netPipeTransport) Close() error { return p.conn.Close() }

type recordingImageSink struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	opened int
}

func newRecordingImageSink() *recordingImageSink {
	return &recordingImageSink{blobs: make(map[string][]byte)}
}

type recordingHandle struct {
	key string
	buf bytes.Buffer
}

func (s *recordingImageSink) Open(sourceIDHex string) (image.Handle, error) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	return &recordingHandle{key: sourceIDHex}, nil
}
func (s *recordingImageSink) Append(h image.Handle, chunk []byte) error {
	rh := h.(*recordingHandle)
	_, err := rh.buf.Write(chunk)
	return err
}
func (s *recordingImageSink) Close(h image.Handle) (string, error) {
	rh := h.(*recordingHandle)
	s.mu.Lock()
	s.blobs[rh.key] = rh.buf.Bytes()
	s.mu.Unlock()
	return "mem://" + rh.key, nil
}
func (s *recordingImageSink) Discard(h image.Handle) {}

// encodeFrame mirrors the protocol package's own encodeFrame test helper
// (unexported there) to build wire bytes for end-to-end tests here.
func encodeFrame(sid protocol.SID, typ protocol.Type, seq uint32, payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.Write([]byte{0xfa, 0xce, 0xaa, 0xbb})
	buf.Write(sid[:])
	buf.WriteByte(byte(typ))
	binary.Write(buf, binary.LittleEndian, seq)
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	buf.Write([]byte{0, 0, 0, 0}) // reserved checksum, unverified
	buf.Write([]byte{0xcd, 0xef, 0x56, 0x78})
	return buf.Bytes()
}

func TestReceiver_EndToEndImageAndTelemetry(t *testing.T) {
	sink := newRecordingImageSink()
	deps := Deps{
		Logger:       logging.NewDiscard(),
		ImageSink:    sink,
		MaxPayload:   protocol.DefaultMaxPayload,
		TestMode:     true,
		PostEOFDelay: time.Millisecond,
	}
	r := New(deps)
	defer r.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Attach(ctx, &netPipeTransport{conn: serverConn})
		close(done)
	}()

	sid := protocol.SID{1, 2, 3, 4, 5, 6}
	hash := make([]byte, 64)
	for i := range hash {
		hash[i] = 'a'
	}
	payload := []byte("HASH:" + string(hash) + ",VOLT:85,TEMP:25")

	frames := [][]byte{
		encodeFrame(sid, protocol.TypeHash, 0, payload),
		encodeFrame(sid, protocol.TypeData, 1, []byte("chunk-one-")),
		encodeFrame(sid, protocol.TypeEOF, 0, nil),
	}

	writeDone := make(chan struct{})
	go func() {
		for _, f := range frames {
			_, _ = clientConn.Write(f)
		}
		close(writeDone)
	}()

	select {
	case <-writeDone:
	case <-time.After(time.Second):
		t.Fatal("timed out writing frames")
	}

	// Drain anything the receiver writes back (the sleep command) so its
	// write never blocks on net.Pipe's synchronous handoff.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	// Give the receiver's goroutine a moment to decode and dispatch, then
	// tear the connection down to end the Attach call cleanly.
	time.Sleep(50 * time.Millisecond)
	cancel()
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Attach did not return after cancel")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.opened)
	require.Contains(t, sink.blobs, "mem://"+sid.String())
	assert.Equal(t, []byte("chunk-one-"), sink.blobs["mem://"+sid.String()])
}
