//go:build linux

package sysinfo

import (
	"fmt"
	"syscall"
	"time"
)

func (SystemClock) Set(t time.Time) error {
	tv := syscall.NsecToTimeval(t.UnixNano())
	if err := syscall.Settimeofday(&tv); err != nil {
		return fmt.Errorf("failed to set system time: %w", err)
	}
	return nil
}
