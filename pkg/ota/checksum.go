package ota

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestMethod names a content digest.
type DigestMethod string

const (
	DigestMD5    DigestMethod = "md5"
	DigestSHA256 DigestMethod = "sha256"
)

// ParseDigestMethod accepts the method names used in config files and
// manifests, case-insensitively. Empty means md5.
func ParseDigestMethod(s string) (DigestMethod, error) {
	switch strings.ToLower(s) {
	case "", "md5":
		return DigestMD5, nil
	case "sha256", "sha-256":
		return DigestSHA256, nil
	}
	return "", fmt.Errorf("unsupported digest method %q", s)
}

// Digest returns the lowercase hex digest of buf.
func Digest(method DigestMethod, buf []byte) string {
	if method == DigestSHA256 {
		sum := sha256.Sum256(buf)
		return hex.EncodeToString(sum[:])
	}
	sum := md5.Sum(buf)
	return hex.EncodeToString(sum[:])
}
