// fwdevserver is a local update backend for exercising fwupdated. It
// offers one image, either read from a file or synthesized for a version.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/iot-go-sdk/fwupdate/pkg/devserver"
	"github.com/iot-go-sdk/fwupdate/pkg/ota/otatest"
	"golang.org/x/sync/errgroup"
)

var (
	addr       = flag.String("listen", ":8080", "Address to listen on")
	imageFile  = flag.String("image", "", "Firmware image to offer")
	version    = flag.String("version", "1.1.0", "Version announced in the manifest")
	size       = flag.Int("size", 256*1024, "Size of the synthesized image when -image is empty")
	force      = flag.Bool("force", false, "Set the force flag in the manifest")
	activation = flag.Bool("activation", false, "Require devices to activate")
	pending    = flag.Int("pending", 1, "Activation requests answered pending before success")
	keySeed    = flag.String("key_seed", "", "Device key seed used to check activation codes")
	chunkDelay = flag.Duration("chunk_delay", 0, "Pause after every 4 KiB of firmware, to simulate slow links")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	img := otatest.Image(*version, *size)
	if *imageFile != "" {
		var err error
		if img, err = os.ReadFile(*imageFile); err != nil {
			glog.Exitf("Failed to read image: %v", err)
		}
	}

	cfg := devserver.Config{
		Firmware:           img,
		Version:            *version,
		Force:              *force,
		RequireActivation:  *activation,
		Message:            "Confirm the device in the app",
		Code:               "000000",
		TimeoutMs:          3000,
		PendingActivations: *pending,
		ServerTime:         true,
		ChunkDelay:         *chunkDelay,
	}
	if *keySeed != "" {
		cfg.KeySeed = []byte(*keySeed)
	}

	r := mux.NewRouter()
	devserver.New(cfg).RegisterHandlers(r)
	srv := http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		glog.Exitf("Failed to listen on %q: %v", *addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		glog.Infof("Serving firmware %s (%d bytes) on %s", *version, len(img), listener.Addr())
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		glog.Exitf("Server failed: %v", err)
	}
}
