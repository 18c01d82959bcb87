// Package transport provides the duplex byte-stream connection to a field
// node's gateway and a supervisor that reconnects it on loss.
//
// Follows serial_port.go's shape (pkg/term open/read/write) and
// kissserial.go's reconnect-by-polling loop, generalized into a Transport
// interface plus a Supervisor that owns the retry policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pkg/term"

	"github.com/fieldwatch/sensorgw/internal/logging"
)

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = errors.New("transport: closed")

// Transport is the duplex byte pipe the receiver reads frames from and
// writes sleep commands to.
type Transport interface {
	Read(p []byte) (int, error)
	Write(ctx context.Context, p []byte) error
	Close() error
}

// SerialTransport wraps github.com/pkg/term, grounded on serial_port.go's
// open/read/write trio.
type SerialTransport struct {
	fd *term.Term
}

// OpenSerial opens devicename at baud.
func OpenSerial(devicename string, baud int) (*SerialTransport, error) {
	fd, err := term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", devicename, err)
	}
	if err := fd.SetSpeed(baud); err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("transport: set speed %d on %s: %w", baud, devicename, err)
	}
	return &SerialTransport{fd: fd}, nil
}

func (s *SerialTransport) Read(p []byte) (int, error) {
	return s.fd.Read(p)
}

func (s *SerialTransport) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.fd.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("transport: short write: %d of %d bytes", n, len(p))
	}
	return nil
}

func (s *SerialTransport) Close() error {
	return s.fd.Close()
}

// Dialer opens a fresh Transport, e.g. OpenSerial bound to a fixed
// device/baud pair.
type Dialer func() (Transport, error)

// Supervisor owns a Transport's lifecycle: connect, hand it to a pump
// function until it reports loss, then reconnect with backoff — the same
// shape as kissserial.go's polling reconnect loop, generalized from a fixed
// poll period to capped exponential backoff.
type Supervisor struct {
	dial       Dialer
	logger     logging.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

func WithBackoff(min, max time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.minBackoff, s.maxBackoff = min, max }
}

// NewSupervisor builds a Supervisor around dial.
func NewSupervisor(dial Dialer, logger logging.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		dial:       dial,
		logger:     logger,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects, invokes pump with the live Transport, and on pump's return
// (signaling loss) reconnects with exponential backoff, until ctx is
// canceled. pump should return when Read/Write errors indicate the
// connection died; Run does not inspect the error itself.
func (s *Supervisor) Run(ctx context.Context, pump func(ctx context.Context, t Transport)) {
	backoff := s.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		t, err := s.dial()
		if err != nil {
			s.logger.Error("transport: dial failed, retrying", "err", err, "backoff", backoff)
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.maxBackoff)
			continue
		}

		backoff = s.minBackoff
		s.logger.Info("transport: connected")
		pump(ctx, t)
		_ = t.Close()
		s.logger.Warn("transport: connection lost")

		if !s.sleep(ctx, backoff) {
			return
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
