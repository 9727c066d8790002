package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Algorithm is the MAC algorithm name sent with activation requests.
const Algorithm = "hmac-sha256"

// SerialBlockSize is the size of the fuse block holding the serial number.
const SerialBlockSize = 32

const activationInfo = "device-activation"

// Signer computes a keyed MAC with a key that is never exposed to callers.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// SoftwareKey is a Signer for hosts without a hardware HMAC peripheral.
type SoftwareKey struct {
	key []byte
}

// NewSoftwareKey derives a 32-byte device key from seed, salted with the
// device serial.
func NewSoftwareKey(seed []byte, serial string) (*SoftwareKey, error) {
	if len(seed) == 0 {
		return nil, errors.New("empty key seed")
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, seed, []byte(serial), []byte(activationInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return &SoftwareKey{key: key}, nil
}

// Sign implements Signer with HMAC-SHA256.
func (k *SoftwareKey) Sign(msg []byte) ([]byte, error) {
	h := hmac.New(sha256.New, k.key)
	h.Write(msg)
	return h.Sum(nil), nil
}

// ActivationCode signs the raw challenge token and returns it as lowercase
// hex.
func ActivationCode(s Signer, challenge string) (string, error) {
	sum, err := s.Sign([]byte(challenge))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// VerifyActivationCode reports whether code is the MAC of challenge under s.
func VerifyActivationCode(s Signer, challenge, code string) bool {
	want, err := s.Sign([]byte(challenge))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(code)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// SerialFromBlock decodes a serial number fuse block. An unprogrammed
// block (first byte zero) means the device has no serial.
func SerialFromBlock(block []byte) (string, bool) {
	if len(block) == 0 || block[0] == 0 {
		return "", false
	}
	if len(block) > SerialBlockSize {
		block = block[:SerialBlockSize]
	}
	return string(bytes.TrimRight(block, "\x00")), true
}
