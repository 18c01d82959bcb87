// Command sensorgw attaches to a field-node gateway over serial, decodes
// its frame stream, reassembles images, persists telemetry, and replies
// with sleep commands.
//
// CLI shape follows appserver.go's command-line conventions: pflag options plus
// a Usage override, then straight into the run loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/fieldwatch/sensorgw/internal/config"
	"github.com/fieldwatch/sensorgw/internal/image"
	"github.com/fieldwatch/sensorgw/internal/logging"
	"github.com/fieldwatch/sensorgw/internal/receiver"
	"github.com/fieldwatch/sensorgw/internal/telemetry"
	"github.com/fieldwatch/sensorgw/internal/transport"
)

func main() {
	var (
		port        = pflag.String("port", "", "Serial device path (overrides SERIAL_PORT).")
		baud        = pflag.Int("baud", 0, "Serial baud rate (overrides BAUD_RATE).")
		overlayPath = pflag.String("config", "", "Optional YAML tunables overlay file.")
		mode        = pflag.StringP("mode", "m", "streaming", "Image reassembly mode: streaming or legacy.")
		help        = pflag.Bool("help", false, "Display help text.")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - serial frame receiver for field sensor nodes\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load(*overlayPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensorgw: loading config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.SerialPort = *port
	}
	if *baud != 0 {
		cfg.BaudRate = *baud
	}

	logger, closer := logging.New(logging.Options{LevelName: cfg.LogLevel, FilePath: cfg.LogFile})
	defer closer.Close()

	var imageSink image.Sink
	switch *mode {
	case "legacy":
		imageSink, err = image.NewLegacySink(cfg.ImageFinalDir, cfg.ImageNamePattern)
	case "streaming", "":
		imageSink, err = image.NewFileSink(cfg.ImageScratchDir, cfg.ImageFinalDir, cfg.ImageNamePattern)
	default:
		fmt.Fprintf(os.Stderr, "sensorgw: unrecognized --mode %q, want streaming or legacy\n", *mode)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("sensorgw: building image sink", "err", err)
		os.Exit(1)
	}

	telemetrySink := telemetry.NewSink(telemetry.InfluxConfig{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	}, cfg.IsTestEnv, logger)
	defer telemetrySink.Close()

	r := receiver.New(receiver.Deps{
		Logger:       logger,
		ImageSink:    imageSink,
		Telemetry:    telemetrySink,
		MaxPayload:   cfg.MaxPayload,
		TestMode:     cfg.IsTestEnv,
		IdleTimeout:  cfg.IdleTimeout,
		PostEOFDelay: cfg.PostEOFDelay,

		MaxTotalBuffer:       cfg.MaxTotalBuffer,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,

		SleepDedupWindow:        cfg.SleepDedupWindow,
		VoltageThresholdPercent: cfg.VoltageThresholdPercent,
		SleepDurationDefault:    cfg.SleepDurationDefault,
		SleepDurationLong:       cfg.SleepDurationLong,
		SleepDurationMedium:     cfg.SleepDurationMedium,
		SleepDurationNormal:     cfg.SleepDurationNormal,
	})
	defer r.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dial := transport.DialWithWatcher(func() (transport.Transport, error) {
		return transport.OpenSerial(cfg.SerialPort, cfg.BaudRate)
	}, cfg.SerialPort, logger)
	supervisor := transport.NewSupervisor(dial, logger)

	logger.Info("sensorgw: starting", "port", cfg.SerialPort, "baud", cfg.BaudRate, "mode", *mode)
	supervisor.Run(ctx, func(ctx context.Context, t transport.Transport) {
		r.Attach(ctx, t)
	})
	logger.Info("sensorgw: shutting down")
}
