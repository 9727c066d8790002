package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/iot-go-sdk/fwupdate/pkg/auth"
)

func post(t *testing.T, url, serial string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest("POST", url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if serial != "" {
		req.Header.Set("Serial-Number", serial)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestManifestAndFirmware(t *testing.T) {
	fw := []byte("not really firmware")
	s := New(Config{Firmware: fw, Version: "2.0.0", Force: true})
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp := post(t, ts.URL+"/ota/", "", map[string]any{"application": map[string]any{"version": "1.0.0"}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest status = %d", resp.StatusCode)
	}
	var m struct {
		Firmware struct {
			Version string `json:"version"`
			URL     string `json:"url"`
			MD5     string `json:"md5"`
			Force   int    `json:"force"`
		} `json:"firmware"`
		Activation map[string]any `json:"activation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Firmware.Version != "2.0.0" || m.Firmware.Force != 1 || m.Firmware.MD5 == "" {
		t.Errorf("firmware = %+v", m.Firmware)
	}
	if m.Activation != nil {
		t.Errorf("unexpected activation section %v", m.Activation)
	}

	got, err := http.Get(m.Firmware.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer got.Body.Close()
	body, _ := io.ReadAll(got.Body)
	if !bytes.Equal(body, fw) || got.ContentLength != int64(len(fw)) {
		t.Errorf("firmware body %q, length %d", body, got.ContentLength)
	}

	if miss, _ := http.Get(ts.URL + "/firmware/other.bin"); miss.StatusCode != http.StatusNotFound {
		t.Errorf("unknown image status = %d", miss.StatusCode)
	}
	if st := s.Stats(); st.Checks != 1 || st.Downloads != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestActivation(t *testing.T) {
	seed := []byte("seed")
	s := New(Config{RequireActivation: true, PendingActivations: 1, KeySeed: seed, TimeoutMs: 10})
	ts := httptest.NewServer(s)
	defer ts.Close()

	key, err := auth.NewSoftwareKey(seed, "SN-1")
	if err != nil {
		t.Fatal(err)
	}

	challenge := func() string {
		resp := post(t, ts.URL+"/ota/", "SN-1", map[string]any{})
		defer resp.Body.Close()
		var m struct {
			Activation struct {
				Challenge string `json:"challenge"`
			} `json:"activation"`
		}
		json.NewDecoder(resp.Body).Decode(&m)
		return m.Activation.Challenge
	}
	activate := func(ch, code string) int {
		resp := post(t, ts.URL+"/ota/activate", "SN-1", map[string]string{
			"algorithm":     "hmac-sha256",
			"serial_number": "SN-1",
			"challenge":     ch,
			"hmac":          code,
		})
		resp.Body.Close()
		return resp.StatusCode
	}

	ch := challenge()
	if ch == "" {
		t.Fatal("no challenge issued")
	}
	if code := activate(ch, "00"); code != http.StatusForbidden {
		t.Errorf("bad hmac status = %d, want 403", code)
	}

	ch = challenge()
	good, _ := auth.ActivationCode(key, ch)
	if code := activate(ch, good); code != http.StatusAccepted {
		t.Errorf("first activation status = %d, want 202", code)
	}
	// A challenge is single use.
	if code := activate(ch, good); code != http.StatusForbidden {
		t.Errorf("reused challenge status = %d, want 403", code)
	}

	ch = challenge()
	good, _ = auth.ActivationCode(key, ch)
	if code := activate(ch, good); code != http.StatusOK {
		t.Errorf("second activation status = %d, want 200", code)
	}
	if !s.Activated("SN-1") {
		t.Error("device not recorded as activated")
	}
	if ch := challenge(); ch != "" {
		t.Errorf("challenge %q issued after activation", ch)
	}
}
