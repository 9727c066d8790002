//go:build !linux

package sysinfo

import (
	"errors"
	"time"
)

func (SystemClock) Set(time.Time) error {
	return errors.New("setting the system time is not supported on this platform")
}
