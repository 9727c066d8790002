// fwupdated keeps the device firmware current. It checks the update
// backend on a schedule, installs newer images into a spare slot, confirms
// a freshly booted image, and reports progress over MQTT when configured.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/config"
	"github.com/iot-go-sdk/fwupdate/pkg/event"
	"github.com/iot-go-sdk/fwupdate/pkg/ota"
	"github.com/iot-go-sdk/fwupdate/pkg/telemetry"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

var (
	configFile = flag.String("config", "", "Path to a TOML config file")
	envFile    = flag.String("env_file", ".env", "Environment file loaded before the config")
	once       = flag.Bool("once", false, "Run one update and exit")
	activate   = flag.Bool("activate", false, "Run the activation exchange and exit")
	confirm    = flag.Bool("confirm", false, "Confirm the running image and exit")
	setClock   = flag.Bool("set_clock", false, "Set the system clock from the backend's server time")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		glog.Warningf("Failed to load %s: %v", *envFile, err)
	}

	cfg := config.NewConfig()
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			glog.Exitf("%v", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		glog.Exitf("Failed to load environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		glog.Exitf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Initialize(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Device.Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			glog.Exitf("Failed to initialize telemetry: %v", err)
		}
		defer shutdown(context.Background())
	}

	d, err := newDaemon(cfg, *setClock)
	if err != nil {
		glog.Exitf("%v", err)
	}
	defer d.Close()

	switch {
	case *confirm:
		if err := d.engine.ConfirmBoot(ctx); err != nil {
			glog.Exitf("Failed to confirm running image: %v", err)
		}
	case *activate:
		res, err := d.runner.Activate(ctx)
		event.PublishActivation(d.bus, res, err)
		if err != nil {
			glog.Exitf("Activation failed: %v", err)
		}
		glog.Infof("Activation: %s", res)
	case *once:
		sess, err := d.runner.Run(ctx)
		if err != nil {
			glog.Exitf("Update failed: %v", err)
		}
		glog.Infof("Update finished: %s (%s)", sess.State, sess.Outcome)
	default:
		if err := d.serve(ctx, cfg.Schedule.Spec); err != nil && !errors.Is(err, context.Canceled) {
			glog.Exitf("%v", err)
		}
	}
}

// serve confirms the running image, then runs the activation exchange and
// scheduled updates until ctx is done.
func (d *daemon) serve(ctx context.Context, spec string) error {
	if err := d.engine.ConfirmBoot(ctx); err != nil {
		glog.Errorf("Failed to confirm running image: %v", err)
	}
	if err := d.startRemote(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, func() { d.update(ctx) }); err != nil {
		return err
	}

	g.Go(func() error {
		res, err := d.runner.Activate(ctx)
		event.PublishActivation(d.bus, res, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			glog.Warningf("Activation failed: %v", err)
		}
		d.update(ctx)
		return nil
	})
	g.Go(func() error {
		glog.Infof("Update schedule %q started", spec)
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		glog.Info("Update schedule stopped")
		return ctx.Err()
	})
	return g.Wait()
}

func (d *daemon) update(ctx context.Context) {
	sess, err := d.runner.Run(ctx)
	switch {
	case errors.Is(err, ota.ErrBusy), errors.Is(err, context.Canceled):
	case err != nil:
		glog.Errorf("Scheduled update failed: %v", err)
	case sess.State == ota.StateCommitted:
		glog.Infof("Firmware %s installed, reboot to activate it", sess.Image.Version)
	}
}
