// Package telemetry decodes the ASCII HASH payload into voltage and
// temperature readings, and defines the write-only sink contract the core
// calls but never blocks on.
package telemetry

import (
	"strconv"
	"strings"
)

// DummyHashLength is the length of the all-zero hex string that signals "no
// image follows this HASH".
const DummyHashLength = 64

// Reading is what a HASH payload decodes to. Voltage and Temperature are
// nil when absent or invalid.
type Reading struct {
	Voltage     *float64
	Temperature *float64
	// HasImage is true unless the hash field is the all-zero dummy hash.
	HasImage bool
}

// Decode parses a HASH payload of the form
// "HASH:<hex>,VOLT:<number>,TEMP:<number>[,<...>]". It is tolerant of
// extra trailing fields and of fields appearing out of order.
//
// Grounded on the original Python reference's field-scanning approach
// (utils/data_parser.py's extract_value_from_payload), reimplemented as a
// typed field-scanner rather than repeated
// split(",")/startswith calls.
func Decode(payload []byte) (Reading, bool) {
	const prefix = "HASH:"
	text := string(payload)
	if !strings.HasPrefix(text, prefix) {
		return Reading{}, false
	}

	fields := strings.Split(text, ",")
	reading := Reading{HasImage: true}

	hash, ok := fieldValue(fields, "HASH:")
	if !ok {
		return Reading{}, false
	}
	reading.HasImage = !isDummyHash(hash)

	if voltStr, ok := fieldValue(fields, "VOLT:"); ok {
		if v, err := strconv.ParseFloat(voltStr, 64); err == nil {
			reading.Voltage = &v
		}
		// The historical rule that treated "100" as an ignorable placeholder
		// is deliberately not applied here: 100% is a
		// meaningful reading on a solar-charged node.
	}

	if tempStr, ok := fieldValue(fields, "TEMP:"); ok {
		if t, err := strconv.ParseFloat(tempStr, 64); err == nil && !strings.Contains(tempStr, "-999") {
			reading.Temperature = &t
		}
		// TEMP:-999 is the sentinel for "no reading".
	}

	return reading, true
}

// fieldValue scans comma-separated "KEY:value" fields for the first one
// whose key prefix matches, returning its value.
func fieldValue(fields []string, keyPrefix string) (string, bool) {
	for _, f := range fields {
		if strings.HasPrefix(f, keyPrefix) {
			return strings.TrimPrefix(f, keyPrefix), true
		}
	}
	return "", false
}

func isDummyHash(hex string) bool {
	if len(hex) != DummyHashLength {
		return false
	}
	for _, c := range hex {
		if c != '0' {
			return false
		}
	}
	return true
}
