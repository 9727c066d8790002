package ota

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseVersion splits a dotted version into its numeric components. Every
// component must be a non-negative decimal integer.
func ParseVersion(v string) ([]int, error) {
	if v == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("version %q: bad component %q", v, p)
		}
		out[i] = n
	}
	return out, nil
}

// IsNewVersion reports whether candidate is newer than current, comparing
// components left to right. When all shared components are equal the
// version with more components is newer. Versions that do not parse are
// never newer.
func IsNewVersion(current, candidate string) bool {
	cur, err := ParseVersion(current)
	if err != nil {
		return false
	}
	cand, err := ParseVersion(candidate)
	if err != nil {
		return false
	}

	for i := 0; i < len(cur) && i < len(cand); i++ {
		if cand[i] > cur[i] {
			return true
		}
		if cand[i] < cur[i] {
			return false
		}
	}
	return len(cand) > len(cur)
}
