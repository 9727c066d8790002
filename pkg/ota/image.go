package ota

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Layout of an application image: a 24-byte image header and an 8-byte
// first segment header, followed by the application descriptor.
const (
	ImageMagic           = 0xE9
	imageHeaderSize      = 24
	segmentHeaderSize    = 8
	AppDescOffset        = imageHeaderSize + segmentHeaderSize
	AppDescMagic         = 0xABCD5432
	appDescVersionOffset = 16
	appDescVersionLen    = 32
)

// ImageVersion extracts the version string from an application image.
func ImageVersion(img []byte) (string, error) {
	end := AppDescOffset + appDescVersionOffset + appDescVersionLen
	if len(img) < end {
		return "", &VersionParseError{Reason: fmt.Sprintf("image too short (%d bytes)", len(img))}
	}
	if img[0] != ImageMagic {
		return "", &VersionParseError{Reason: fmt.Sprintf("bad image magic 0x%02x", img[0])}
	}
	if magic := binary.LittleEndian.Uint32(img[AppDescOffset:]); magic != AppDescMagic {
		return "", &VersionParseError{Reason: fmt.Sprintf("bad descriptor magic 0x%08x", magic)}
	}

	field := img[AppDescOffset+appDescVersionOffset : end]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	if len(field) == 0 {
		return "", &VersionParseError{Reason: "empty version field"}
	}
	return string(field), nil
}
