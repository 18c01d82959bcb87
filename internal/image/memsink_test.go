package image

import (
	"bytes"
	"fmt"
	"sync"
)

// memSink is an in-memory Sink for tests: no filesystem, just buffers.
type memSink struct {
	mu        sync.Mutex
	finalized map[string][]byte
	opened    int
	discarded int
}

type memHandle struct {
	sourceIDHex string
	buf         bytes.Buffer
	closed      bool
}

func newMemSink() *memSink {
	return &memSink{finalized: make(map[string][]byte)}
}

func (s *memSink) Open(sourceIDHex string) (Handle, error) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	return &memHandle{sourceIDHex: sourceIDHex}, nil
}

func (s *memSink) Append(h Handle, chunk []byte) error {
	mh := h.(*memHandle)
	_, err := mh.buf.Write(chunk)
	return err
}

func (s *memSink) Close(h Handle) (string, error) {
	mh := h.(*memHandle)
	if mh.closed {
		return "", fmt.Errorf("already finalized")
	}
	mh.closed = true
	loc := fmt.Sprintf("mem://%s", mh.sourceIDHex)
	s.mu.Lock()
	s.finalized[loc] = mh.buf.Bytes()
	s.mu.Unlock()
	return loc, nil
}

func (s *memSink) Discard(h Handle) {
	s.mu.Lock()
	s.discarded++
	s.mu.Unlock()
}
