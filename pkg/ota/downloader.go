package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/transport"
)

// DownloadPolicy holds the download loop tunables.
type DownloadPolicy struct {
	ChunkSize int
	// A sample slower than MinSpeed (bytes per second) taken while progress
	// is below ProgressCeiling percent counts as a strike. MaxStrikes
	// consecutive strikes abort the download.
	MinSpeed        int64
	ProgressCeiling int
	MaxStrikes      int
	SampleInterval  time.Duration
	TryAgainDelay   time.Duration
	YieldDelay      time.Duration
	// MaxImageSize bounds the announced content length. Zero means no
	// bound other than available memory.
	MaxImageSize int64
}

// DefaultDownloadPolicy returns the tuned production values.
func DefaultDownloadPolicy() DownloadPolicy {
	return DownloadPolicy{
		ChunkSize:       4096,
		MinSpeed:        100000,
		ProgressCeiling: 60,
		MaxStrikes:      7,
		SampleInterval:  time.Second,
		TryAgainDelay:   100 * time.Millisecond,
		YieldDelay:      10 * time.Millisecond,
		MaxImageSize:    64 << 20,
	}
}

// Downloader streams a firmware image into memory.
type Downloader struct {
	Opener   transport.Opener
	Header   map[string]string
	Policy   DownloadPolicy
	Progress ProgressFunc
	// Memory reports available memory. Images larger than that are
	// refused before the buffer is allocated.
	Memory func() (uint64, error)

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (d *Downloader) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Downloader) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	return sleepCtx(ctx, dur)
}

func (d *Downloader) checkSize(total, limit int64) error {
	if limit > 0 && total > limit {
		return &ImageTooLargeError{Size: total, Limit: uint64(limit)}
	}
	if d.Memory == nil {
		return nil
	}
	avail, err := d.Memory()
	if err != nil {
		glog.Warningf("Failed to read available memory: %v", err)
		return nil
	}
	glog.Infof("Available memory %d bytes, image %d bytes", avail, total)
	if avail < uint64(total) {
		return &ImageTooLargeError{Size: total, Limit: avail}
	}
	return nil
}

// Download fetches url into sess.Download. On success every expected byte
// has been received. On failure the buffer is released.
func (d *Downloader) Download(ctx context.Context, sess *UpdateSession, url string) (err error) {
	p := d.Policy
	if p.ChunkSize <= 0 {
		p.ChunkSize = DefaultDownloadPolicy().ChunkSize
	}
	if p.SampleInterval <= 0 {
		p.SampleInterval = time.Second
	}

	glog.Infof("Downloading firmware from %s", url)
	conn, err := d.Opener.Open(ctx, &transport.Request{Method: http.MethodGet, URL: url, Header: d.Header})
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer conn.Close()

	if code := conn.StatusCode(); code != http.StatusOK {
		return &NetworkError{URL: url, StatusCode: code}
	}
	total := conn.BodyLength()
	if total <= 0 {
		return &TransportError{Op: "open", Err: fmt.Errorf("content length %d", total)}
	}

	if err := d.checkSize(total, p.MaxImageSize); err != nil {
		return err
	}

	start := d.now()
	ds := &DownloadSession{
		TotalBytes:     total,
		Buffer:         make([]byte, total),
		StartTime:      start,
		LastSampleTime: start,
	}
	sess.Download = ds
	defer func() {
		if err != nil {
			ds.release()
		}
	}()

	chunk := make([]byte, p.ChunkSize)
	for ds.BytesReceived < total {
		if err := ctx.Err(); err != nil {
			return &TransportError{Op: "read", Err: err}
		}

		limit := int64(len(chunk))
		if rest := total - ds.BytesReceived; rest < limit {
			limit = rest
		}
		n, rerr := conn.ReadChunk(chunk[:limit])

		if err := d.sample(ds, p); err != nil {
			return err
		}

		if n > 0 {
			copy(ds.Buffer[ds.BytesReceived:], chunk[:n])
			ds.BytesReceived += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, transport.ErrTryAgain) {
				glog.V(1).Info("No data available yet, retrying")
				if err := d.sleep(ctx, p.TryAgainDelay); err != nil {
					return &TransportError{Op: "read", Err: err}
				}
				continue
			}
			if errors.Is(rerr, io.EOF) {
				glog.Warning("Connection closed by peer")
				break
			}
			return &TransportError{Op: "read", Err: rerr}
		}
		if n == 0 {
			glog.Warning("Connection closed by peer")
			break
		}

		if err := d.sleep(ctx, p.YieldDelay); err != nil {
			return &TransportError{Op: "read", Err: err}
		}
	}

	elapsed := d.now().Sub(start)
	glog.Infof("Total download time: %.2f seconds", elapsed.Seconds())

	if ds.BytesReceived != total {
		return &IncompleteTransferError{Received: ds.BytesReceived, Total: total}
	}

	var speed int64
	if secs := int64(elapsed / time.Second); secs > 0 {
		speed = total / secs
	}
	d.Progress.emit(Progress{Phase: PhaseDownloading, Percent: 100, Throughput: speed})
	return nil
}

// sample updates the throughput estimate once per interval and applies the
// low-speed watchdog.
func (d *Downloader) sample(ds *DownloadSession, p DownloadPolicy) error {
	now := d.now()
	elapsed := now.Sub(ds.LastSampleTime)
	if elapsed <= p.SampleInterval {
		return nil
	}

	secs := int64(elapsed / time.Second)
	if secs <= 0 {
		secs = 1
	}
	speed := (ds.BytesReceived - ds.LastSampleBytes) / secs
	ds.LastSampleTime = now
	ds.LastSampleBytes = ds.BytesReceived

	pct := percentOf(ds.BytesReceived, ds.TotalBytes)
	d.Progress.emit(Progress{Phase: PhaseDownloading, Percent: pct, Throughput: speed})

	if speed < p.MinSpeed && pct < p.ProgressCeiling {
		ds.LowSpeedStrikes++
		glog.Warningf("Low speed detected: %d bytes/s, count=%d", speed, ds.LowSpeedStrikes)
		if p.MaxStrikes > 0 && ds.LowSpeedStrikes >= p.MaxStrikes {
			glog.Errorf("Download speed too low, aborting")
			return &ThroughputTooLowError{Speed: speed, Percent: pct, Strikes: ds.LowSpeedStrikes}
		}
	} else {
		ds.LowSpeedStrikes = 0
	}
	return nil
}
