package ota

import (
	"time"

	"github.com/google/uuid"
	"github.com/iot-go-sdk/fwupdate/pkg/storage"
)

// FirmwareManifest is the firmware part of a version-check answer.
type FirmwareManifest struct {
	CurrentVersion  string
	FirmwareVersion string
	FirmwareURL     string
	ForceInstall    bool
	// ChecksumExpected is the lowercase hex digest of the image, if known.
	ChecksumExpected string
	ChecksumMethod   DigestMethod
}

// HasNewVersion reports whether the manifest points at an image that should
// be installed.
func (m *FirmwareManifest) HasNewVersion() bool {
	if m == nil || m.FirmwareVersion == "" || m.FirmwareURL == "" {
		return false
	}
	return IsNewVersion(m.CurrentVersion, m.FirmwareVersion) || m.ForceInstall
}

// ActivationChallenge is present in a manifest while the backend still
// expects the device to activate.
type ActivationChallenge struct {
	Challenge string
	Message   string
	Code      string
	TimeoutMs int
}

// DownloadSession is the in-memory image being received.
type DownloadSession struct {
	TotalBytes      int64
	BytesReceived   int64
	Buffer          []byte
	StartTime       time.Time
	LastSampleTime  time.Time
	LastSampleBytes int64
	LowSpeedStrikes int
}

// Complete reports whether every expected byte arrived.
func (d *DownloadSession) Complete() bool {
	return d != nil && d.TotalBytes > 0 && d.BytesReceived == d.TotalBytes
}

func (d *DownloadSession) release() {
	if d != nil {
		d.Buffer = nil
	}
}

// VerifiedImage is an image that passed version and digest checks. Payload
// aliases the download buffer.
type VerifiedImage struct {
	Version string
	Digest  string
	Payload []byte
}

// UpdateSession carries one pipeline run from version check to its terminal
// state. It is owned by the caller and passed through every phase.
type UpdateSession struct {
	ID             string
	RunningVersion string
	State          State
	// FailedAt is the state the run was in when it failed.
	FailedAt State
	Outcome  Outcome
	Err      error

	Manifest  *FirmwareManifest
	Challenge *ActivationChallenge
	Download  *DownloadSession
	Image     *VerifiedImage
	Slot      storage.Slot

	StartedAt  time.Time
	FinishedAt time.Time
}

// NewUpdateSession starts a session for a device running runningVersion.
func NewUpdateSession(runningVersion string) *UpdateSession {
	return &UpdateSession{
		ID:             uuid.NewString(),
		RunningVersion: runningVersion,
		State:          StateIdle,
		StartedAt:      time.Now(),
	}
}
