package ota

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/settings"
)

// Runner is the caller-side retry policy around an Engine.
type Runner struct {
	Engine   *Engine
	Settings settings.Store
	// Attempts is the number of pipeline runs before giving up.
	Attempts int
	// Delay is the pause between attempts.
	Delay time.Duration
	// ActivationPolls bounds how many pending answers Activate waits
	// through.
	ActivationPolls int
	// OnResult is called after every attempt.
	OnResult func(sess *UpdateSession, err error)

	Sleep func(ctx context.Context, d time.Duration) error
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

// Run retries the pipeline until it reaches StateCommitted or
// StateNoUpdate. When every attempt fails board.ota_fail is set.
func (r *Runner) Run(ctx context.Context) (*UpdateSession, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	var last *UpdateSession
	attempt := 0
	op := func() error {
		attempt++
		sess, err := r.Engine.Run(ctx)
		if r.OnResult != nil {
			r.OnResult(sess, err)
		}
		if errors.Is(err, ErrBusy) {
			return backoff.Permanent(err)
		}
		last = sess
		if err != nil {
			glog.Warningf("Firmware upgrade failed, attempt %d/%d: %v", attempt, attempts, err)
		}
		return err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(r.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(op, b)
	if err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil && r.Settings != nil {
		if serr := r.Settings.SetInt(settings.NamespaceBoard, settings.KeyOTAFail, 1); serr != nil {
			glog.Errorf("Failed to set ota_fail flag: %v", serr)
		} else {
			glog.Warning("Set ota_fail flag")
		}
	}
	return last, err
}

// Activate repeats the check-and-activate exchange while the backend
// answers pending, waiting the challenge timeout between rounds.
func (r *Runner) Activate(ctx context.Context) (ActivationResult, error) {
	polls := r.ActivationPolls
	if polls <= 0 {
		polls = 10
	}

	for i := 0; ; i++ {
		sess, err := r.Engine.Check(ctx)
		if err != nil {
			return ActivationNotApplicable, err
		}
		if sess.Challenge == nil {
			glog.Info("No activation challenge, device is active")
			return ActivationNotApplicable, nil
		}
		if sess.Challenge.Message != "" {
			glog.Infof("Activation: %s %s", sess.Challenge.Message, sess.Challenge.Code)
		}
		wait := time.Duration(sess.Challenge.TimeoutMs) * time.Millisecond

		res, err := r.Engine.Activate(ctx, sess)
		if err != nil || res != ActivationPending {
			return res, err
		}
		if i+1 >= polls {
			return res, nil
		}
		if wait <= 0 {
			wait = 3 * time.Second
		}
		if err := r.sleep(ctx, wait); err != nil {
			return res, err
		}
	}
}
