//go:build !linux

package sandbox

import (
	"fmt"
	"os"
)

// SeccompFilter is a stub for non-Linux platforms: seccomp is a Linux kernel
// facility, so this platform relies solely on sandbox-exec for syscall-level
// restriction.
type SeccompFilter struct {
	debug bool
}

// NewSeccompFilter creates a stub seccomp filter.
func NewSeccompFilter(debug bool) *SeccompFilter {
	return &SeccompFilter{debug: debug}
}

// GenerateBPFFilter returns an empty path and no error on non-Linux platforms.
func (s *SeccompFilter) GenerateBPFFilter() (string, error) {
	if s.debug {
		fmt.Fprintf(os.Stderr, "[fence:seccomp] seccomp is Linux-only; no filter generated on this platform\n")
	}
	return "", nil
}

// CleanupFilter is a no-op on non-Linux platforms.
func (s *SeccompFilter) CleanupFilter(path string) {}

// DangerousSyscalls is empty on non-Linux platforms.
var DangerousSyscalls []string
