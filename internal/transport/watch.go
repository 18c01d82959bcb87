package transport

import (
	"context"

	"github.com/jochenvg/go-udev"

	"github.com/fieldwatch/sensorgw/internal/logging"
)

// DeviceWatcher blocks Dial attempts on an actual udev "add" event for the
// tty subsystem instead of a fixed poll interval, replacing the
// kissserial.go kiss_serial_poll sleep-and-retry with a real notification.
type DeviceWatcher struct {
	devicePath string
	logger     logging.Logger
}

// NewDeviceWatcher builds a watcher for devicePath (e.g. "/dev/ttyACM0").
func NewDeviceWatcher(devicePath string, logger logging.Logger) *DeviceWatcher {
	return &DeviceWatcher{devicePath: devicePath, logger: logger}
}

// WaitForDevice blocks until devicePath appears via a udev "add" event, ctx
// is canceled, or udev setup itself fails (in which case it returns
// immediately so the caller falls back to plain retry).
func (w *DeviceWatcher) WaitForDevice(ctx context.Context) {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")
	if err := mon.FilterAddMatchSubsystem("tty"); err != nil {
		w.logger.Warn("transport: udev filter setup failed, skipping wait", "err", err)
		return
	}

	devCh, err := mon.DeviceChan(ctx)
	if err != nil {
		w.logger.Warn("transport: udev monitor failed, skipping wait", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case dev, ok := <-devCh:
			if !ok {
				return
			}
			if dev.Action() == "add" && dev.Devnode() == w.devicePath {
				w.logger.Info("transport: device reappeared", "path", w.devicePath)
				return
			}
		}
	}
}

// DialWithWatcher wraps dial so that, after a failed attempt, the Supervisor
// waits on a udev "add" event for devicePath before retrying instead of
// blind backoff alone.
func DialWithWatcher(dial Dialer, devicePath string, logger logging.Logger) Dialer {
	watcher := NewDeviceWatcher(devicePath, logger)
	return func() (Transport, error) {
		t, err := dial()
		if err == nil {
			return t, nil
		}
		watcher.WaitForDevice(context.Background())
		return dial()
	}
}
