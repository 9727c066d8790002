// Package dynreg obtains a device secret from the registration endpoint
// using the product secret.
package dynreg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/auth"
)

type Response struct {
	Code      int    `json:"code"`
	Data      Data   `json:"data"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

type Data struct {
	DeviceSecret string `json:"deviceSecret"`
}

type Client struct {
	// URL is the registration endpoint, e.g.
	// http://iot.example/auth/register/device.
	URL        string
	httpClient *http.Client
	// Now supplies the request nonce.
	Now func() time.Time
}

func NewClient(registerURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{URL: registerURL, httpClient: httpClient, Now: time.Now}
}

// Register returns the device secret issued for deviceName.
func (c *Client) Register(ctx context.Context, productKey, deviceName, productSecret string) (string, error) {
	if productSecret == "" {
		return "", fmt.Errorf("product secret is required for dynamic registration")
	}

	random := strconv.FormatInt(c.Now().UnixMilli(), 10)
	form := url.Values{}
	form.Set("productKey", productKey)
	form.Set("deviceName", deviceName)
	form.Set("random", random)
	form.Set("sign", auth.DynRegSignature(productKey, deviceName, productSecret, random))
	form.Set("signMethod", "hmacsha256")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, body)
	}

	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if r.Code != 200 {
		return "", fmt.Errorf("dynamic registration failed: code=%d, message=%s", r.Code, r.Message)
	}
	if r.Data.DeviceSecret == "" {
		return "", fmt.Errorf("dynamic registration returned no device secret")
	}

	glog.Infof("Device %s.%s registered", productKey, deviceName)
	return r.Data.DeviceSecret, nil
}
