package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/auth"
	"github.com/iot-go-sdk/fwupdate/pkg/config"
	"github.com/iot-go-sdk/fwupdate/pkg/dynreg"
	"github.com/iot-go-sdk/fwupdate/pkg/event"
	"github.com/iot-go-sdk/fwupdate/pkg/mqtt"
	"github.com/iot-go-sdk/fwupdate/pkg/ota"
	"github.com/iot-go-sdk/fwupdate/pkg/report"
	"github.com/iot-go-sdk/fwupdate/pkg/rrpc"
	"github.com/iot-go-sdk/fwupdate/pkg/settings"
	"github.com/iot-go-sdk/fwupdate/pkg/storage"
	"github.com/iot-go-sdk/fwupdate/pkg/sysinfo"
	"github.com/iot-go-sdk/fwupdate/pkg/transport"
)

type daemon struct {
	cfg      *config.Config
	settings settings.Store
	bus      *event.Bus
	engine   *ota.Engine
	runner   *ota.Runner

	mqtt    *mqtt.Client
	rpc     *rrpc.Server
	closers []io.Closer
}

func newDaemon(cfg *config.Config, setClock bool) (*daemon, error) {
	d := &daemon{cfg: cfg}

	store, err := openSettings(cfg.Settings)
	if err != nil {
		return nil, err
	}
	d.settings = store
	if c, ok := store.(io.Closer); ok {
		d.closers = append(d.closers, c)
	}

	slots, err := openSlots(cfg.Storage)
	if err != nil {
		d.Close()
		return nil, err
	}

	serial, err := readSerial(cfg.Device)
	if err != nil {
		d.Close()
		return nil, err
	}
	var signer auth.Signer
	if serial != "" && cfg.Device.KeySeed != "" {
		key, err := auth.NewSoftwareKey([]byte(cfg.Device.KeySeed), serial)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to derive device key: %w", err)
		}
		signer = key
	}

	digest, err := ota.ParseDigestMethod(cfg.Verify.Digest)
	if err != nil {
		d.Close()
		return nil, err
	}

	opts := ota.Options{
		Opener:         transport.NewHTTPOpener(&http.Client{}),
		Store:          slots,
		Boot:           slots,
		Settings:       store,
		Signer:         signer,
		Memory:         sysinfo.AvailableMemory,
		CheckURL:       cfg.Endpoints.CheckVersionURL,
		Serial:         serial,
		BoardName:      cfg.Device.BoardName,
		DefaultVersion: cfg.Device.Version,
		Download: ota.DownloadPolicy{
			ChunkSize:       cfg.Download.ChunkSize,
			MinSpeed:        cfg.Download.MinSpeed,
			ProgressCeiling: cfg.Download.ProgressCeiling,
			MaxStrikes:      cfg.Download.MaxStrikes,
			SampleInterval:  cfg.Download.SampleInterval,
			TryAgainDelay:   cfg.Download.TryAgainDelay,
			YieldDelay:      cfg.Download.YieldDelay,
			MaxImageSize:    cfg.Download.MaxImageSize,
		},
		Digest:          digest,
		AllowUnverified: cfg.Verify.AllowUnverified,
		FlashChunkSize:  cfg.Flash.ChunkSize,
		FlashYield:      cfg.Flash.YieldDelay,
		ReservedSlot:    cfg.Flash.ReservedSlot,
	}
	if setClock {
		opts.Clock = sysinfo.SystemClock{}
	}

	d.bus = event.NewBus(4)
	d.bus.Start()

	d.engine = ota.NewEngine(opts)
	d.engine.AddObserver(event.ProgressObserver(d.bus))
	d.runner = &ota.Runner{
		Engine:   d.engine,
		Settings: store,
		Attempts: cfg.Schedule.Attempts,
		Delay:    cfg.Schedule.RetryDelay,
		OnResult: func(sess *ota.UpdateSession, err error) {
			if perr := event.PublishResult(d.bus, sess, err); perr != nil {
				glog.Warningf("Failed to publish update result: %v", perr)
			}
		},
	}

	glog.Infof("Running firmware %s, serial %q, update slots in %s", d.engine.RunningVersion(), serial, cfg.Storage.Dir)
	return d, nil
}

// startRemote connects to the broker and serves remote commands. It does
// nothing when MQTT is disabled.
func (d *daemon) startRemote(ctx context.Context) error {
	if !d.cfg.MQTT.Enabled {
		return nil
	}
	if err := d.resolveDeviceSecret(ctx); err != nil {
		return err
	}
	dev := d.cfg.Device

	d.mqtt = mqtt.NewClient(d.cfg)
	if err := d.mqtt.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	reporter := report.NewReporter(d.mqtt, dev.ProductKey, dev.DeviceName)
	if _, err := reporter.Attach(d.bus); err != nil {
		return err
	}
	if err := reporter.ReportVersion(d.engine.RunningVersion()); err != nil {
		glog.Warningf("%v", err)
	}

	d.rpc = rrpc.NewServer(d.mqtt, dev.ProductKey, dev.DeviceName)
	rrpc.RegisterOTA(d.rpc, d.engine, d.runner)
	if err := d.rpc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start RRPC server: %w", err)
	}
	return nil
}

// resolveDeviceSecret fills in the MQTT device secret from settings, or
// registers the device when none has been issued yet.
func (d *daemon) resolveDeviceSecret(ctx context.Context) error {
	dev := &d.cfg.Device
	if dev.DeviceSecret != "" {
		return nil
	}
	secret, err := d.settings.GetString(settings.NamespaceMQTT, settings.KeyDeviceSecret)
	if err != nil {
		return err
	}
	if secret == "" {
		client := dynreg.NewClient(d.cfg.Endpoints.RegisterURL, nil)
		if secret, err = client.Register(ctx, dev.ProductKey, dev.DeviceName, dev.ProductSecret); err != nil {
			return err
		}
		if err := d.settings.SetString(settings.NamespaceMQTT, settings.KeyDeviceSecret, secret); err != nil {
			glog.Warningf("Failed to store device secret: %v", err)
		}
	}
	dev.DeviceSecret = secret
	return nil
}

func (d *daemon) Close() {
	if d.rpc != nil {
		if err := d.rpc.Stop(); err != nil {
			glog.Warningf("Failed to stop RRPC server: %v", err)
		}
	}
	if d.mqtt != nil {
		d.mqtt.Disconnect()
	}
	if d.bus != nil {
		d.bus.Stop()
	}
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			glog.Warningf("Close failed: %v", err)
		}
	}
}

func openSettings(c config.SettingsConfig) (settings.Store, error) {
	switch c.Backend {
	case "sqlite":
		s, err := settings.OpenSQLite(c.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open settings: %w", err)
		}
		return s, nil
	case "file":
		return settings.NewFileStore(c.Path), nil
	default:
		glog.Warning("Settings are kept in memory and lost on exit")
		return settings.NewMemory(), nil
	}
}

func openSlots(c config.StorageConfig) (*storage.FileStore, error) {
	var layout *storage.Layout
	if c.Layout != "" {
		var err error
		if layout, err = storage.LoadLayout(c.Layout); err != nil {
			return nil, err
		}
	}
	return storage.NewFileStore(c.Dir, layout)
}

// readSerial returns the configured serial, or the one burned into the
// fuse block file. An unprogrammed block yields "".
func readSerial(c config.DeviceConfig) (string, error) {
	if c.SerialNumber != "" {
		return c.SerialNumber, nil
	}
	if c.SerialFile == "" {
		return "", nil
	}
	block, err := os.ReadFile(c.SerialFile)
	if err != nil {
		return "", fmt.Errorf("failed to read serial block: %w", err)
	}
	serial, ok := auth.SerialFromBlock(block)
	if !ok {
		glog.Warning("No serial number programmed")
		return "", nil
	}
	return serial, nil
}
