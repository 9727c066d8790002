package ota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/auth"
	"github.com/iot-go-sdk/fwupdate/pkg/transport"
)

// ActivationResult is the backend's answer to an activation request.
type ActivationResult int

const (
	// ActivationNotApplicable means the device has no serial and cannot
	// take part in activation.
	ActivationNotApplicable ActivationResult = iota
	// ActivationPending means the user has not confirmed yet; fetch a fresh
	// manifest after the challenge timeout and try again.
	ActivationPending
	ActivationActivated
)

func (r ActivationResult) String() string {
	switch r {
	case ActivationPending:
		return "pending"
	case ActivationActivated:
		return "activated"
	default:
		return "not-applicable"
	}
}

// ActivationURL derives the activation endpoint from the check-version URL.
func ActivationURL(checkURL string) string {
	if strings.HasSuffix(checkURL, "/") {
		return checkURL + "activate"
	}
	return checkURL + "/activate"
}

type activationRequest struct {
	Algorithm    string `json:"algorithm"`
	SerialNumber string `json:"serial_number"`
	Challenge    string `json:"challenge"`
	HMAC         string `json:"hmac"`
}

// ActivationClient answers an activation challenge. It sends exactly one
// request per call.
type ActivationClient struct {
	Opener transport.Opener
	Serial string
	Signer auth.Signer
	// TryAgainDelay is the pause between polls of a transport that has no
	// data yet.
	TryAgainDelay time.Duration
}

// Activate signs ch and posts it to the activation endpoint next to
// checkURL.
func (c *ActivationClient) Activate(ctx context.Context, checkURL string, ch *ActivationChallenge) (ActivationResult, error) {
	if c.Serial == "" {
		glog.Info("No serial number, activation not applicable")
		return ActivationNotApplicable, nil
	}
	if ch == nil || ch.Challenge == "" {
		return ActivationNotApplicable, ErrNoChallenge
	}
	if c.Signer == nil {
		return ActivationNotApplicable, &ActivationFailedError{Err: errors.New("no signing key")}
	}

	code, err := auth.ActivationCode(c.Signer, ch.Challenge)
	if err != nil {
		return ActivationNotApplicable, &ActivationFailedError{Err: err}
	}
	body, err := json.Marshal(activationRequest{
		Algorithm:    auth.Algorithm,
		SerialNumber: c.Serial,
		Challenge:    ch.Challenge,
		HMAC:         code,
	})
	if err != nil {
		return ActivationNotApplicable, &ActivationFailedError{Err: err}
	}

	url := ActivationURL(checkURL)
	conn, err := c.Opener.Open(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    url,
		Body:   body,
		Header: DeviceHeaders(c.Serial),
	})
	if err != nil {
		return ActivationNotApplicable, &NetworkError{URL: url, Err: err}
	}
	defer conn.Close()

	status := conn.StatusCode()
	if status == http.StatusAccepted {
		glog.Info("Activation pending user confirmation")
		return ActivationPending, nil
	}

	resp, err := transport.ReadAll(ctx, conn, c.TryAgainDelay)
	if err != nil {
		glog.Warningf("Failed to read activation response: %v", err)
	}
	if status != http.StatusOK {
		glog.Errorf("Failed to activate, code: %d, body: %s", status, resp)
		return ActivationNotApplicable, &ActivationFailedError{StatusCode: status, Body: string(resp)}
	}

	glog.Info("Activation successful")
	return ActivationActivated, nil
}
