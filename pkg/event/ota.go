package event

import (
	"errors"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/ota"
)

const source = "ota"

// Result is the payload of the terminal update events.
type Result struct {
	SessionID      string    `json:"session_id"`
	State          ota.State `json:"state"`
	FailedAt       ota.State `json:"failed_at,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	RunningVersion string    `json:"running_version"`
	TargetVersion  string    `json:"target_version,omitempty"`
	Slot           string    `json:"slot,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Activation is the payload of ActivationResult.
type Activation struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// ProgressObserver returns an engine observer that publishes OTAProgress
// events carrying ota.Progress.
func ProgressObserver(b *Bus) ota.Observer {
	return func(p ota.Progress) {
		if err := b.Publish(New(OTAProgress, source, p)); err != nil && !errors.Is(err, ErrStopped) {
			glog.Warningf("Failed to publish progress: %v", err)
		}
	}
}

// PublishResult publishes the terminal event for a finished run.
func PublishResult(b *Bus, sess *ota.UpdateSession, runErr error) error {
	if sess == nil {
		return nil
	}
	r := Result{
		SessionID:      sess.ID,
		State:          sess.State,
		FailedAt:       sess.FailedAt,
		RunningVersion: sess.RunningVersion,
	}
	if sess.Outcome != ota.OutcomeNone {
		r.Outcome = sess.Outcome.String()
	}
	if sess.Manifest != nil {
		r.TargetVersion = sess.Manifest.FirmwareVersion
	}
	if sess.Slot.Label != "" {
		r.Slot = sess.Slot.Label
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}

	var t Type
	switch sess.State {
	case ota.StateCommitted:
		t = OTAComplete
	case ota.StateNoUpdate:
		t = OTANoUpdate
	case ota.StateFailed:
		t = OTAFailed
	default:
		return nil
	}
	return b.Publish(New(t, source, r))
}

// PublishActivation publishes an ActivationResult event.
func PublishActivation(b *Bus, res ota.ActivationResult, err error) error {
	a := Activation{Result: res.String()}
	if err != nil {
		a.Error = err.Error()
	}
	return b.Publish(New(ActivationResult, source, a))
}
