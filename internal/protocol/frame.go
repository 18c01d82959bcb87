// Package protocol implements the serial wire framing for the sensor
// gateway: locating frames in a noisy, interleaved byte stream, validating
// headers, and re-synchronizing past corruption.
package protocol

import "fmt"

// Type is the frame's declared purpose.
type Type byte

const (
	// TypeHash carries telemetry and announces whether an image follows.
	TypeHash Type = 1
	// TypeData carries one chunk of an image transfer.
	TypeData Type = 2
	// TypeEOF marks the end of an image transfer (or a lone telemetry cycle).
	TypeEOF Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeHash:
		return "HASH"
	case TypeData:
		return "DATA"
	case TypeEOF:
		return "EOF"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// SID is a source identifier: six opaque bytes naming a remote node. Radios
// reuse the node's MAC address for this, but the protocol treats it as an
// opaque byte string.
type SID [6]byte

// String renders the SID as colon-separated lowercase hex, the form used in
// logs and in the sleep-command wire format.
func (s SID) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", s[0], s[1], s[2], s[3], s[4], s[5])
}

// Frame is one parsed frame, ready for dispatch.
type Frame struct {
	SourceID SID
	Type     Type
	Sequence uint32
	Payload  []byte
}
