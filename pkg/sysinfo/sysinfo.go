// Package sysinfo reads host facts the updater logs or applies.
package sysinfo

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// AvailableMemory returns the memory available for new allocations in
// bytes.
func AvailableMemory() (uint64, error) {
	memStat, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	return memStat.Available, nil
}

// SystemClock sets the wall clock from server time. It needs privileges
// the daemon may not have; callers treat failures as warnings.
type SystemClock struct{}
