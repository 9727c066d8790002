// Package otatest builds synthetic application images for tests and the
// development server.
package otatest

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
)

const (
	minSize      = 80
	descOffset   = 32
	versionStart = descOffset + 16
)

// Image returns a size-byte application image whose descriptor carries
// version. The body after the descriptor is a deterministic pattern.
func Image(version string, size int) []byte {
	if size < minSize {
		size = minSize
	}
	img := make([]byte, size)
	img[0] = 0xE9
	binary.LittleEndian.PutUint32(img[descOffset:], 0xABCD5432)
	copy(img[versionStart:versionStart+32], version)
	for i := minSize; i < size; i++ {
		img[i] = byte(i * 7)
	}
	return img
}

// MD5 returns the lowercase hex md5 of b.
func MD5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
