// Package report publishes firmware version and upgrade progress to the
// device cloud over MQTT.
package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/iot-go-sdk/fwupdate/pkg/event"
	"github.com/iot-go-sdk/fwupdate/pkg/ota"
)

// Progress steps understood by the cloud. Positive steps are percentages.
const (
	StepUpgradeFailed  = "-1"
	StepDownloadFailed = "-2"
	StepVerifyFailed   = "-3"
	StepFlashFailed    = "-4"
)

// Publisher is the part of the MQTT client the reporter needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

type message struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
}

// Reporter publishes to the /ota/device/* topics of one device.
type Reporter struct {
	pub        Publisher
	productKey string
	deviceName string
	// Module is sent with every report when non-empty.
	Module string

	mu   sync.Mutex
	last struct {
		phase   ota.Phase
		percent int
	}
}

func NewReporter(pub Publisher, productKey, deviceName string) *Reporter {
	return &Reporter{
		pub:        pub,
		productKey: productKey,
		deviceName: deviceName,
	}
}

// InformTopic is where the running version is reported.
func (r *Reporter) InformTopic() string {
	return fmt.Sprintf("/ota/device/inform/%s/%s", r.productKey, r.deviceName)
}

// ProgressTopic is where upgrade progress is reported.
func (r *Reporter) ProgressTopic() string {
	return fmt.Sprintf("/ota/device/progress/%s/%s", r.productKey, r.deviceName)
}

// ReportVersion reports the running firmware version.
func (r *Reporter) ReportVersion(version string) error {
	params := map[string]any{
		"version": version,
	}
	if r.Module != "" {
		params["module"] = r.Module
	}
	if err := r.publish(r.InformTopic(), params); err != nil {
		return fmt.Errorf("failed to publish version report: %w", err)
	}
	glog.Infof("Reported version: %s", version)
	return nil
}

// ReportProgress reports an upgrade step. step is a percentage or one of
// the negative Step constants.
func (r *Reporter) ReportProgress(step, desc string, progress int) error {
	params := map[string]any{
		"step":     step,
		"desc":     desc,
		"progress": progress,
	}
	if r.Module != "" {
		params["module"] = r.Module
	}
	if err := r.publish(r.ProgressTopic(), params); err != nil {
		return fmt.Errorf("failed to publish progress report: %w", err)
	}
	return nil
}

func (r *Reporter) publish(topic string, params map[string]any) error {
	data, err := json.Marshal(message{ID: uuid.NewString(), Params: params})
	if err != nil {
		return err
	}
	return r.pub.Publish(topic, data, 0, false)
}

// Attach subscribes the reporter to the update events on b. The returned
// function detaches it.
func (r *Reporter) Attach(b *event.Bus) (func(), error) {
	handlers := map[event.Type]event.Handler{
		event.OTAProgress:      r.onProgress,
		event.OTAComplete:      r.onComplete,
		event.OTAFailed:        r.onFailed,
		event.OTANoUpdate:      r.onNoUpdate,
		event.ActivationResult: r.onActivation,
	}
	var cancels []func()
	detach := func() {
		for _, c := range cancels {
			c()
		}
	}
	for t, h := range handlers {
		cancel, err := b.Subscribe(t, h)
		if err != nil {
			detach()
			return nil, err
		}
		cancels = append(cancels, cancel)
	}
	return detach, nil
}

func (r *Reporter) onProgress(e *event.Event) error {
	p, ok := e.Data.(ota.Progress)
	if !ok {
		return nil
	}
	// Only download progress is reported per step.
	if p.Phase != ota.PhaseDownloading {
		return nil
	}
	r.mu.Lock()
	if r.last.phase == p.Phase && r.last.percent == p.Percent {
		r.mu.Unlock()
		return nil
	}
	r.last.phase, r.last.percent = p.Phase, p.Percent
	r.mu.Unlock()

	return r.ReportProgress(strconv.Itoa(p.Percent), string(p.Phase), p.Percent)
}

func (r *Reporter) onComplete(e *event.Event) error {
	res, ok := e.Data.(event.Result)
	if !ok {
		return nil
	}
	r.reset()
	return r.ReportProgress("100", "installed "+res.TargetVersion, 100)
}

func (r *Reporter) onFailed(e *event.Event) error {
	res, ok := e.Data.(event.Result)
	if !ok {
		return nil
	}
	r.reset()
	return r.ReportProgress(FailureStep(res.FailedAt), res.Error, 0)
}

func (r *Reporter) onNoUpdate(e *event.Event) error {
	res, ok := e.Data.(event.Result)
	if !ok {
		return nil
	}
	r.reset()
	return r.ReportVersion(res.RunningVersion)
}

func (r *Reporter) onActivation(e *event.Event) error {
	a, ok := e.Data.(event.Activation)
	if !ok {
		return nil
	}
	glog.V(1).Infof("Activation result: %s %s", a.Result, a.Error)
	return nil
}

func (r *Reporter) reset() {
	r.mu.Lock()
	r.last.phase, r.last.percent = "", 0
	r.mu.Unlock()
}

// FailureStep maps the state a run failed in to its progress step.
func FailureStep(failedAt ota.State) string {
	switch failedAt {
	case ota.StateDownloading:
		return StepDownloadFailed
	case ota.StateVerifying:
		return StepVerifyFailed
	case ota.StateInstalling:
		return StepFlashFailed
	default:
		return StepUpgradeFailed
	}
}
