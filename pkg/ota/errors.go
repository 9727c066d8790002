package ota

import (
	"errors"
	"fmt"
)

// ErrNoChallenge is returned by Engine.Activate when the session carries no
// activation challenge, either because the manifest had none or because it
// was already used.
var ErrNoChallenge = errors.New("ota: no activation challenge")

// NetworkError means an endpoint could not be reached or answered with an
// unexpected status.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MalformedResponseError means a manifest or activation body could not be
// parsed.
type MalformedResponseError struct {
	What string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("malformed %s", e.What)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// ThroughputTooLowError means the download watchdog gave up on a slow link.
type ThroughputTooLowError struct {
	// Speed is the last sampled throughput in bytes per second.
	Speed   int64
	Percent int
	Strikes int
}

func (e *ThroughputTooLowError) Error() string {
	return fmt.Sprintf("download too slow: %d B/s at %d%% after %d low-speed samples", e.Speed, e.Percent, e.Strikes)
}

// TransportError is a non-recoverable failure reading from the transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IncompleteTransferError means the peer closed the stream early.
type IncompleteTransferError struct {
	Received int64
	Total    int64
}

func (e *IncompleteTransferError) Error() string {
	return fmt.Sprintf("download incomplete: %d of %d bytes", e.Received, e.Total)
}

// ImageTooLargeError means the announced image does not fit in the download
// buffer. Limit is either the configured maximum or the available memory.
type ImageTooLargeError struct {
	Size  int64
	Limit uint64
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// VersionParseError means the image carries no readable version descriptor.
type VersionParseError struct {
	Reason string
}

func (e *VersionParseError) Error() string {
	return "cannot read image version: " + e.Reason
}

// IntegrityError means the image digest did not match, or no digest was
// supplied and unverified installs are not allowed.
type IntegrityError struct {
	Method   DigestMethod
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Expected == "" {
		return "no expected checksum for image"
	}
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Method, e.Expected, e.Actual)
}

// NoWritableSlotError means no slot other than the reserved one is available.
type NoWritableSlotError struct {
	Reserved string
	Err      error
}

func (e *NoWritableSlotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no writable slot (reserved %q): %v", e.Reserved, e.Err)
	}
	return fmt.Sprintf("no writable slot (reserved %q)", e.Reserved)
}

func (e *NoWritableSlotError) Unwrap() error { return e.Err }

// FlashWriteError is a failure opening, writing or committing a slot. The
// previous boot slot stays selected.
type FlashWriteError struct {
	Slot   string
	Offset int64
	Err    error
}

func (e *FlashWriteError) Error() string {
	return fmt.Sprintf("writing slot %s at offset %d: %v", e.Slot, e.Offset, e.Err)
}

func (e *FlashWriteError) Unwrap() error { return e.Err }

// ActivationFailedError is any activation answer other than 200 or 202, or a
// failure to build the request.
type ActivationFailedError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ActivationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("activation failed: %v", e.Err)
	}
	return fmt.Sprintf("activation failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *ActivationFailedError) Unwrap() error { return e.Err }
