// Package fence provides a public API for sandboxing commands.
package fence

import (
	"github.com/sandboxrun/fence/internal/config"
	"github.com/sandboxrun/fence/internal/sandbox"
)

// Config is the configuration for fence.
type Config = config.Config

// NetworkConfig defines network restrictions.
type NetworkConfig = config.NetworkConfig

// FilesystemConfig defines filesystem restrictions.
type FilesystemConfig = config.FilesystemConfig

// SSHConfig defines SSH host and remote-command restrictions.
type SSHConfig = config.SSHConfig

// CommandConfig defines command-pattern allow/deny restrictions.
type CommandConfig = config.CommandConfig

// Manager handles sandbox initialization and command wrapping.
type Manager = sandbox.Manager

// NewManager creates a new sandbox manager.
// If debug is true, verbose logging is enabled.
// If monitor is true, only violations (blocked requests) are logged.
func NewManager(cfg *Config, debug, monitor bool) *Manager {
	return sandbox.NewManager(cfg, debug, monitor)
}

// DefaultConfig returns the default configuration with all network blocked.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig loads configuration from a file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return config.DefaultConfigPath()
}

// CheckCommand reports whether command is allowed by cfg's command- and
// ssh-pattern policy, without wrapping or running it. Callers embedding fence
// as a library can use this to reject a command up front, the same check
// Manager.WrapCommand applies internally before it ever builds a sandboxed
// invocation.
func CheckCommand(command string, cfg *Config) error {
	return sandbox.CheckCommand(command, cfg)
}
