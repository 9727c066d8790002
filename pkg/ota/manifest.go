package ota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/settings"
	"github.com/iot-go-sdk/fwupdate/pkg/transport"
)

// ClockSetter applies server time to the system clock.
type ClockSetter interface {
	Set(t time.Time) error
}

// DeviceHeaders returns the identification headers sent with every request.
func DeviceHeaders(serial string) map[string]string {
	h := map[string]string{
		"Content-Type":       "application/json",
		"Activation-Version": "1",
	}
	if serial != "" {
		h["Activation-Version"] = "2"
		h["Serial-Number"] = serial
	}
	return h
}

// VersionCheckClient fetches and parses the manifest.
type VersionCheckClient struct {
	Opener    transport.Opener
	Settings  settings.Store
	Clock     ClockSetter
	Serial    string
	BoardName string
	// TryAgainDelay is the pause between polls of a transport that has no
	// data yet.
	TryAgainDelay time.Duration
}

type checkRequest struct {
	Application struct {
		Version   string `json:"version"`
		BoardName string `json:"board_name"`
	} `json:"application"`
}

// Check performs one manifest exchange. The returned challenge is nil when
// the backend does not ask for activation.
func (c *VersionCheckClient) Check(ctx context.Context, url, currentVersion string) (*FirmwareManifest, *ActivationChallenge, error) {
	if url == "" {
		return nil, nil, &NetworkError{URL: url, Err: errors.New("check version URL is not set")}
	}

	var req checkRequest
	req.Application.Version = currentVersion
	req.Application.BoardName = c.BoardName
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}

	glog.Infof("Checking version at %s, current version %s", url, currentVersion)

	conn, err := c.Opener.Open(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    url,
		Body:   body,
		Header: DeviceHeaders(c.Serial),
	})
	if err != nil {
		return nil, nil, &NetworkError{URL: url, Err: err}
	}
	defer conn.Close()

	if code := conn.StatusCode(); code != http.StatusOK {
		return nil, nil, &NetworkError{URL: url, StatusCode: code}
	}

	data, err := transport.ReadAll(ctx, conn, c.TryAgainDelay)
	if err != nil {
		return nil, nil, &NetworkError{URL: url, Err: err}
	}
	glog.V(1).Infof("Manifest: %s", data)

	return c.parse(data, currentVersion)
}

func (c *VersionCheckClient) parse(data []byte, currentVersion string) (*FirmwareManifest, *ActivationChallenge, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, nil, &MalformedResponseError{What: "manifest", Err: err}
	}
	if root == nil {
		return nil, nil, &MalformedResponseError{What: "manifest", Err: errors.New("not a JSON object")}
	}

	challenge := parseActivation(root)

	if mqtt, ok := object(root, "mqtt"); ok {
		c.passThrough(settings.NamespaceMQTT, mqtt, false)
	} else {
		glog.V(1).Info("No mqtt section in manifest")
	}
	if ws, ok := object(root, "websocket"); ok {
		c.passThrough(settings.NamespaceWebsocket, ws, true)
	} else {
		glog.V(1).Info("No websocket section in manifest")
	}

	if st, ok := object(root, "server_time"); ok {
		c.applyServerTime(st)
	}

	m := &FirmwareManifest{CurrentVersion: currentVersion}
	if fw, ok := object(root, "firmware"); ok {
		m.FirmwareVersion, _ = str(fw, "version")
		m.FirmwareURL, _ = str(fw, "url")
		switch f := fw["force"].(type) {
		case float64:
			m.ForceInstall = f == 1
		case bool:
			m.ForceInstall = f
		}
		if sum, ok := str(fw, "sha256"); ok && sum != "" {
			m.ChecksumExpected, m.ChecksumMethod = sum, DigestSHA256
		} else if sum, ok := str(fw, "md5"); ok && sum != "" {
			m.ChecksumExpected, m.ChecksumMethod = sum, DigestMD5
		}
	} else {
		glog.Warning("No firmware section in manifest")
	}

	if m.ChecksumExpected == "" && c.Settings != nil {
		if sum, err := c.Settings.GetString(settings.NamespaceBoard, settings.KeyOTAChecksum); err == nil && sum != "" {
			m.ChecksumExpected, m.ChecksumMethod = sum, DigestMD5
		}
	}

	if m.HasNewVersion() {
		glog.Infof("New version available: %s (force=%v)", m.FirmwareVersion, m.ForceInstall)
	} else {
		glog.Info("Current is the latest version")
	}
	return m, challenge, nil
}

func parseActivation(root map[string]any) *ActivationChallenge {
	a, ok := object(root, "activation")
	if !ok {
		return nil
	}
	ch := &ActivationChallenge{}
	ch.Message, _ = str(a, "message")
	ch.Code, _ = str(a, "code")
	if t, ok := a["timeout_ms"].(float64); ok {
		ch.TimeoutMs = int(t)
	}
	challenge, ok := str(a, "challenge")
	if !ok {
		glog.V(1).Info("Activation section carries no challenge")
		return nil
	}
	ch.Challenge = challenge
	return ch
}

// passThrough stores a configuration block for other subsystems. Only
// string values are kept unless ints is set.
func (c *VersionCheckClient) passThrough(namespace string, block map[string]any, ints bool) {
	if c.Settings == nil {
		return
	}
	for k, v := range block {
		var err error
		switch val := v.(type) {
		case string:
			if cur, _ := c.Settings.GetString(namespace, k); cur != val {
				err = c.Settings.SetString(namespace, k, val)
			}
		case float64:
			if ints {
				err = c.Settings.SetInt(namespace, k, int64(val))
			}
		}
		if err != nil {
			glog.Warningf("Failed to store %s.%s: %v", namespace, k, err)
		}
	}
}

// applyServerTime sets the clock from a millisecond timestamp plus an
// optional offset in minutes. Failures are logged only.
func (c *VersionCheckClient) applyServerTime(st map[string]any) {
	ts, ok := st["timestamp"].(float64)
	if !ok {
		return
	}
	if off, ok := st["timezone_offset"].(float64); ok {
		ts += float64(int64(off) * 60 * 1000)
	}
	if c.Clock == nil {
		return
	}
	t := time.UnixMilli(int64(ts))
	if err := c.Clock.Set(t); err != nil {
		glog.Warningf("Failed to set system time to %v: %v", t, err)
		return
	}
	glog.V(1).Infof("System time set to %v", t)
}

func object(m map[string]any, key string) (map[string]any, bool) {
	o, ok := m[key].(map[string]any)
	return o, ok
}

func str(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}
