package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	// Fixed; the broker does not check it.
	loginTimestamp = "2524608000000"
	clientVersion  = "fwupdate-go-1.0"
)

// Credentials is a broker login.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

// NewCredentials derives the broker login of a device from its secret.
func NewCredentials(productKey, deviceName, deviceSecret, secureMode string) Credentials {
	id := productKey + "." + deviceName
	ext := []string{
		"timestamp=" + loginTimestamp,
		"_ss=1",
		"_v=" + clientVersion,
		"securemode=" + secureMode,
		"signmethod=hmacsha256",
		"ext=3",
		"_conn=tl",
	}
	return Credentials{
		ClientID: id + "|" + strings.Join(ext, ",") + "|",
		Username: deviceName + "&" + productKey,
		Password: Sign(map[string]string{
			"clientId":   id,
			"deviceName": deviceName,
			"productKey": productKey,
			"timestamp":  loginTimestamp,
		}, deviceSecret),
	}
}

// DynRegSignature signs a dynamic registration request with the product
// secret.
func DynRegSignature(productKey, deviceName, productSecret, random string) string {
	return Sign(map[string]string{
		"deviceName": deviceName,
		"productKey": productKey,
		"random":     random,
	}, productSecret)
}

// Sign returns the hex HMAC-SHA256 over params, concatenated as key then
// value in key order.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha256.New, []byte(secret))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return hex.EncodeToString(mac.Sum(nil))
}
