package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/fieldwatch/sensorgw/internal/logging"
)

// Sink is the write-only telemetry store contract: the
// core calls it and never blocks on it beyond the write-timeout budget.
type Sink interface {
	// Write persists one reading for sourceIDHex at timestamp ts. Either
	// voltage or temperature may be nil.
	Write(ctx context.Context, sourceIDHex string, voltage, temperature *float64, ts time.Time) error
	// Close releases any resources held by the sink.
	Close()
}

// NopSink discards every write. Used when IS_TEST_ENV is set
// or when no INFLUXDB_URL is configured.
type NopSink struct{}

func (NopSink) Write(context.Context, string, *float64, *float64, time.Time) error { return nil }
func (NopSink) Close()                                                             {}

// NewSink picks NopSink when testEnv is set or cfg has no URL configured,
// and an InfluxSink otherwise. testEnv mirrors the original settings.py's
// PYTEST_CURRENT_TEST/IS_TEST_ENV short-circuit: a test run must never write
// to a real bucket regardless of what InfluxConfig happens to carry.
func NewSink(cfg InfluxConfig, testEnv bool, logger logging.Logger) Sink {
	if testEnv {
		logger.Debug("telemetry: IS_TEST_ENV set, using nop sink")
		return NopSink{}
	}
	if cfg.URL == "" {
		logger.Debug("telemetry: no INFLUXDB_URL configured, using nop sink")
		return NopSink{}
	}
	return NewInfluxSink(cfg, logger)
}

// InfluxSink writes readings to InfluxDB, matching the measurement/tag/field
// shape of the original Python reference's storage/influxdb_client.py
// (measurement "data", tag "mac_address", fields "voltage"/"temperature").
// This client library is not used by any repo in the retrieval pack; it is
// named, not grounded, per DESIGN.md.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
	logger   logging.Logger
}

// InfluxConfig carries the INFLUXDB_* environment contract.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxSink connects a new InfluxDB-backed Sink.
func NewInfluxSink(cfg InfluxConfig, logger logging.Logger) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		org:      cfg.Org,
		bucket:   cfg.Bucket,
		logger:   logger,
	}
}

func (s *InfluxSink) Write(ctx context.Context, sourceIDHex string, voltage, temperature *float64, ts time.Time) error {
	if voltage == nil && temperature == nil {
		return nil
	}

	point := influxdb2.NewPointWithMeasurement("data").
		AddTag("mac_address", sourceIDHex).
		SetTime(ts)
	if voltage != nil {
		point = point.AddField("voltage", *voltage)
	}
	if temperature != nil {
		point = point.AddField("temperature", *temperature)
	}

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		s.logger.Error("influx write failed", "source", sourceIDHex, "err", err)
		return err
	}
	return nil
}

func (s *InfluxSink) Close() {
	s.client.Close()
}
