// Package ota implements the on-device firmware update pipeline.
//
// A run checks the manifest endpoint for a newer image, streams it into
// memory with a throughput watchdog, checks its embedded version and digest,
// and writes it to a spare storage slot. Activation of the device with the
// backend is a separate challenge/response exchange driven by the manifest.
//
// The pipeline is sequential and owned by one caller. All I/O goes through
// the transport, storage and settings ports.
package ota

//go:generate mockgen -destination=mock_storage_test.go -package=ota github.com/iot-go-sdk/fwupdate/pkg/storage Store,Tx

import (
	"context"
	"time"
)

// State is a step of the update state machine.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingVersion State = "checking-version"
	StateNoUpdate        State = "no-update"
	StateDownloading     State = "downloading"
	StateVerifying       State = "verifying"
	StateInstalling      State = "installing"
	StateCommitted       State = "committed"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateNoUpdate || s == StateCommitted || s == StateFailed
}

// Outcome is a successful result that is not a state transition of its own.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeVerified means the image passed version and digest checks.
	OutcomeVerified
	// OutcomeUpToDate means the manifest offered nothing newer.
	OutcomeUpToDate
	// OutcomeSameVersionSkipped means the downloaded image carries the
	// running version and no force flag was set.
	OutcomeSameVersionSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeUpToDate:
		return "up-to-date"
	case OutcomeSameVersionSkipped:
		return "same-version-skipped"
	default:
		return "none"
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
