// Package platform identifies the host operating system for sandbox dispatch.
package platform

import "runtime"

// Platform enumerates the operating systems fence knows how to sandbox.
type Platform int

const (
	// Unsupported covers any OS other than macOS and Linux.
	Unsupported Platform = iota
	// MacOS is Darwin, sandboxed via sandbox-exec seatbelt profiles.
	MacOS
	// Linux is sandboxed via bubblewrap namespaces and seccomp.
	Linux
)

// String implements fmt.Stringer so Platform values print as their OS name.
func (p Platform) String() string {
	switch p {
	case MacOS:
		return "darwin"
	case Linux:
		return "linux"
	default:
		return runtime.GOOS
	}
}

// Detect returns the Platform for the running binary's GOOS.
func Detect() Platform {
	switch runtime.GOOS {
	case "darwin":
		return MacOS
	case "linux":
		return Linux
	default:
		return Unsupported
	}
}

// IsSupported reports whether the current platform has a sandbox implementation.
func IsSupported() bool {
	return Detect() != Unsupported
}
