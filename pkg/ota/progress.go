package ota

import (
	"sync"
)

// Phase labels a progress report.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseVerifying   Phase = "verifying"
	PhaseInstalling  Phase = "installing"
)

// Progress is a transient progress report.
type Progress struct {
	Phase   Phase
	Percent int
	// Throughput is in bytes per second; zero outside downloads.
	Throughput int64
}

// Observer receives progress reports synchronously on the pipeline's
// goroutine and must return quickly.
type Observer func(Progress)

// ProgressFunc is how a phase component reports progress.
type ProgressFunc func(Progress)

func (f ProgressFunc) emit(p Progress) {
	if f != nil {
		f(p)
	}
}

type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(fn Observer) {
	o.mu.Lock()
	o.list = append(o.list, fn)
	o.mu.Unlock()
}

func (o *observers) notify(p Progress) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, fn := range list {
		fn(p)
	}
}

func percentOf(n, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(n * 100 / total)
}
