package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/sandboxrun/fence/internal/config"
	"github.com/sandboxrun/fence/internal/platform"
	"github.com/sandboxrun/fence/internal/proxy"
)

// managerState tracks the manager's lifecycle per the idle/initializing/ready/
// resetting state machine.
type managerState int

const (
	stateIdle managerState = iota
	stateInitializing
	stateReady
	stateResetting
)

// Manager handles sandbox initialization and command wrapping. It is safe for
// concurrent use: Initialize de-duplicates concurrent callers onto a single
// in-flight initialization, and Reset is idempotent.
type Manager struct {
	mu       sync.Mutex
	state    managerState
	initDone chan struct{}
	initErr  error

	config        *config.Config
	httpProxy     *proxy.HTTPProxy
	socksProxy    *proxy.SOCKSProxy
	linuxBridge   *LinuxBridge
	reverseBridge *ReverseBridge
	logMonitor    *LogMonitor
	violations    *ViolationStore
	httpPort      int
	socksPort     int
	exposedPorts  []int
	debug         bool
	monitor       bool
}

// NewManager creates a new sandbox manager.
func NewManager(cfg *config.Config, debug, monitor bool) *Manager {
	return &Manager{
		config:     cfg,
		debug:      debug,
		monitor:    monitor,
		violations: NewViolationStore(),
	}
}

// SetExposedPorts sets the ports to expose for inbound connections.
func (m *Manager) SetExposedPorts(ports []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposedPorts = ports
}

// Violations returns the manager's violation store.
func (m *Manager) Violations() *ViolationStore {
	return m.violations
}

// UpdateConfig replaces the manager's policy config. It does not tear down or
// re-initialize already-running proxies/bridges; callers wanting per-wrap overrides
// should use WrapCommandWithConfig instead.
func (m *Manager) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

// Initialize sets up the sandbox infrastructure (proxies, bridges, log monitor).
// Concurrent callers share the outcome of a single in-flight initialization.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	switch m.state {
	case stateReady:
		m.mu.Unlock()
		return nil
	case stateInitializing:
		done := m.initDone
		m.mu.Unlock()
		<-done
		m.mu.Lock()
		err := m.initErr
		m.mu.Unlock()
		return err
	}

	m.state = stateInitializing
	done := make(chan struct{})
	m.initDone = done
	m.mu.Unlock()

	err := m.doInitialize()

	m.mu.Lock()
	m.initErr = err
	if err != nil {
		m.state = stateIdle
	} else {
		m.state = stateReady
	}
	close(done)
	m.mu.Unlock()

	return err
}

// doInitialize runs the actual initialization sequence. On any failure it tears
// down whatever partial resources it created before returning the error.
func (m *Manager) doInitialize() (err error) {
	if !platform.IsSupported() {
		return fmt.Errorf("sandbox is not supported on platform: %s", platform.Detect())
	}
	if missing := preflightDependencies(m.config); len(missing) > 0 {
		return fmt.Errorf("missing required dependencies: %v", missing)
	}

	defer func() {
		if err != nil {
			m.teardown()
		}
	}()

	filter := proxy.CreateDomainFilter(m.config, m.debug)

	m.httpProxy = proxy.NewHTTPProxy(filter, m.debug, m.monitor)
	httpPort, startErr := m.httpProxy.Start()
	if startErr != nil {
		return fmt.Errorf("failed to start HTTP proxy: %w", startErr)
	}
	m.httpPort = httpPort

	m.socksProxy = proxy.NewSOCKSProxy(filter, m.debug, m.monitor)
	socksPort, startErr := m.socksProxy.Start()
	if startErr != nil {
		return fmt.Errorf("failed to start SOCKS proxy: %w", startErr)
	}
	m.socksPort = socksPort

	if platform.Detect() == platform.Linux {
		bridge, bridgeErr := NewLinuxBridge(m.httpPort, m.socksPort, m.debug)
		if bridgeErr != nil {
			return fmt.Errorf("failed to initialize Linux bridge: %w", bridgeErr)
		}
		m.linuxBridge = bridge

		if len(m.exposedPorts) > 0 {
			reverseBridge, rbErr := NewReverseBridge(m.exposedPorts, m.debug)
			if rbErr != nil {
				return fmt.Errorf("failed to initialize reverse bridge: %w", rbErr)
			}
			m.reverseBridge = reverseBridge
		}
	}

	if platform.Detect() == platform.MacOS && m.monitor {
		m.logMonitor = NewLogMonitor(GetSessionSuffix(), m.config, m.violations)
		if m.logMonitor != nil {
			if monErr := m.logMonitor.Start(); monErr != nil {
				m.logDebug("warning: failed to start log monitor: %v", monErr)
				m.logMonitor = nil
			}
		}
	}

	m.logDebug("Sandbox manager initialized (HTTP proxy: %d, SOCKS proxy: %d)", m.httpPort, m.socksPort)
	return nil
}

// preflightDependencies checks platform-specific required tools and returns the
// names of any that are missing. Seccomp artifacts are checked separately and
// degrade to a warning rather than failing the preflight (see linux.go); a
// missing content-grep tool is likewise non-fatal here, since the mandatory-deny
// scan already degrades gracefully (AncillaryScanFailure) if it can't run.
func preflightDependencies(cfg *config.Config) []string {
	var missing []string
	switch platform.Detect() {
	case platform.Linux:
		for _, tool := range []string{"bwrap", "socat"} {
			if !managerCommandExists(tool) {
				missing = append(missing, tool)
			}
		}
		rgCmd := "rg"
		if cfg != nil {
			rgCmd, _ = cfg.RipgrepCommand()
		}
		if !managerCommandExists(rgCmd) {
			logPreflightWarning("content-grep tool %q not found; mandatory-deny scan will use the literal-only deny set", rgCmd)
		}
	case platform.MacOS:
		if !managerCommandExists("sandbox-exec") {
			missing = append(missing, "sandbox-exec")
		}
	}
	return missing
}

func logPreflightWarning(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[fence:manager] warning: "+format+"\n", args...)
}

func managerCommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// WrapCommand wraps a command with sandbox restrictions using the manager's
// current policy.
func (m *Manager) WrapCommand(command string) (string, error) {
	return m.WrapCommandWithConfig(command, nil)
}

// WrapCommandWithConfig wraps a command, merging customConfig (if non-nil) over
// the manager's base policy using the same per-subkey precedence as config.Merge.
func (m *Manager) WrapCommandWithConfig(command string, customConfig *config.Config) (string, error) {
	return m.WrapCommandWithConfigContext(context.Background(), command, customConfig)
}

// WrapCommandWithConfigContext is WrapCommandWithConfig with a caller-supplied
// context. On Linux, cancelling ctx aborts the mandatory-deny recursive scan;
// per AncillaryScanFailure the wrap still proceeds, using the literal-only deny
// set instead of failing outright.
func (m *Manager) WrapCommandWithConfigContext(ctx context.Context, command string, customConfig *config.Config) (string, error) {
	if err := m.Initialize(); err != nil {
		return "", err
	}

	m.mu.Lock()
	cfg := m.config
	httpPort := m.httpPort
	socksPort := m.socksPort
	exposedPorts := m.exposedPorts
	bridge := m.linuxBridge
	reverseBridge := m.reverseBridge
	m.mu.Unlock()

	if customConfig != nil {
		cfg = config.Merge(cfg, customConfig)
	}

	// Command- and ssh-pattern policy is checked against the command string
	// before it is ever wrapped: a match here means the command never runs,
	// sandboxed or otherwise.
	if err := CheckCommand(command, cfg); err != nil {
		return "", err
	}

	switch plat := platform.Detect(); plat {
	case platform.MacOS:
		return WrapCommandMacOS(cfg, command, httpPort, socksPort, exposedPorts, m.debug)
	case platform.Linux:
		return WrapCommandLinuxContext(ctx, cfg, command, bridge, reverseBridge, m.debug)
	default:
		return "", fmt.Errorf("unsupported platform: %s", plat)
	}
}

// AnnotateStderr appends any recorded violations for command, wrapped in a
// <sandbox_violations> block, to stderr. Returns stderr unchanged when there are
// no matching violations.
func (m *Manager) AnnotateStderr(command, stderr string) string {
	encoded := EncodeSandboxedCommand(command)
	events := m.violations.ForCommand(encoded)
	if len(events) == 0 {
		return stderr
	}

	var b []byte
	b = append(b, stderr...)
	b = append(b, "\n<sandbox_violations>\n"...)
	for _, e := range events {
		b = append(b, e.Line...)
		b = append(b, '\n')
	}
	b = append(b, "</sandbox_violations>\n"...)
	return string(b)
}

// Reset tears down all sandbox infrastructure and returns the manager to idle.
// Idempotent: a reset issued while one is already in flight, or after the
// manager has returned to idle, is a no-op.
func (m *Manager) Reset() {
	m.mu.Lock()
	if m.state == stateResetting || m.state == stateIdle {
		m.mu.Unlock()
		return
	}
	m.state = stateResetting
	m.mu.Unlock()

	m.teardown()

	m.mu.Lock()
	m.state = stateIdle
	m.mu.Unlock()
}

// Cleanup stops the proxies and cleans up resources. Equivalent to Reset, kept
// as the name callers (e.g. the CLI's deferred cleanup) already use.
func (m *Manager) Cleanup() {
	m.Reset()
}

// teardown releases whatever sandbox resources are currently held, swallowing
// "already closed" / "not running" noise.
func (m *Manager) teardown() {
	if m.logMonitor != nil {
		m.logMonitor.Stop()
		m.logMonitor = nil
	}
	if m.reverseBridge != nil {
		m.reverseBridge.Cleanup()
		m.reverseBridge = nil
	}
	if m.linuxBridge != nil {
		m.linuxBridge.Cleanup()
		m.linuxBridge = nil
	}
	if m.httpProxy != nil {
		m.httpProxy.Stop()
		m.httpProxy = nil
	}
	if m.socksProxy != nil {
		m.socksProxy.Stop()
		m.socksProxy = nil
	}
	m.logDebug("Sandbox manager cleaned up")
}

func (m *Manager) logDebug(format string, args ...interface{}) {
	if m.debug {
		fmt.Fprintf(os.Stderr, "[fence] "+format+"\n", args...)
	}
}

// HTTPPort returns the HTTP proxy port.
func (m *Manager) HTTPPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.httpPort
}

// SOCKSPort returns the SOCKS proxy port.
func (m *Manager) SOCKSPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socksPort
}
