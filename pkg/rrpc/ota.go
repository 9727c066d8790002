package rrpc

import (
	"context"
	"errors"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/ota"
)

// Methods served by RegisterOTA.
const (
	MethodCheck    = "ota.check"
	MethodUpgrade  = "ota.upgrade"
	MethodActivate = "ota.activate"
	MethodStatus   = "ota.status"
)

// CheckResult is the data of an ota.check answer.
type CheckResult struct {
	RunningVersion    string `json:"running_version"`
	FirmwareVersion   string `json:"firmware_version,omitempty"`
	HasNewVersion     bool   `json:"has_new_version"`
	Force             bool   `json:"force"`
	ActivationPending bool   `json:"activation_pending"`
}

// RegisterOTA serves the update methods from eng and runner. An upgrade
// runs in the background under the server's context; ota.status reports
// its progress.
func RegisterOTA(s *Server, eng *ota.Engine, runner *ota.Runner) {
	s.RegisterHandler(MethodStatus, func(context.Context, map[string]any) (any, error) {
		return eng.Status(), nil
	})

	s.RegisterHandler(MethodCheck, func(ctx context.Context, _ map[string]any) (any, error) {
		sess, err := eng.Check(ctx)
		if err != nil {
			return nil, err
		}
		res := CheckResult{
			RunningVersion:    sess.RunningVersion,
			HasNewVersion:     sess.Manifest.HasNewVersion(),
			ActivationPending: sess.Challenge != nil,
		}
		if m := sess.Manifest; m != nil {
			res.FirmwareVersion = m.FirmwareVersion
			res.Force = m.ForceInstall
		}
		return res, nil
	})

	s.RegisterHandler(MethodActivate, func(ctx context.Context, _ map[string]any) (any, error) {
		res, err := runner.Activate(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"result": res.String()}, nil
	})

	s.RegisterHandler(MethodUpgrade, func(context.Context, map[string]any) (any, error) {
		if st := eng.Status().State; st != ota.StateIdle && !st.Terminal() {
			return nil, ota.ErrBusy
		}
		go func() {
			if _, err := runner.Run(s.ctx); err != nil && !errors.Is(err, ota.ErrBusy) {
				glog.Errorf("Remote upgrade failed: %v", err)
			}
		}()
		return map[string]bool{"started": true}, nil
	})
}
