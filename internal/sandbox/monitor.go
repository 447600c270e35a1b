// Package sandbox provides sandboxing functionality for macOS and Linux.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sandboxrun/fence/internal/config"
	"github.com/sandboxrun/fence/internal/platform"
)

// LogMonitor monitors sandbox violations via macOS log stream and records them
// into a ViolationStore keyed by the per-command base64 log tag.
type LogMonitor struct {
	sessionSuffix string
	cfg           *config.Config
	store         *ViolationStore
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	running       bool
}

// NewLogMonitor creates a new log monitor for the given session suffix.
// Returns nil on non-macOS platforms.
func NewLogMonitor(sessionSuffix string, cfg *config.Config, store *ViolationStore) *LogMonitor {
	if platform.Detect() != platform.MacOS {
		return nil
	}
	return &LogMonitor{
		sessionSuffix: sessionSuffix,
		cfg:           cfg,
		store:         store,
	}
}

// Start begins monitoring the macOS unified log for sandbox violations.
func (m *LogMonitor) Start() error {
	if m == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	// Note: we use the broader "_SBX" suffix (rather than the exact session
	// suffix) to ensure we capture events even if log delivery lags slightly.
	predicate := `eventMessage ENDSWITH "_SBX"`

	m.cmd = exec.CommandContext(ctx, "log", "stream",
		"--predicate", predicate,
		"--style", "compact",
	)

	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start log stream: %w", err)
	}

	m.running = true

	go m.scan(stdout)

	// Give log stream a moment to initialize.
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Stop stops the log monitor.
func (m *LogMonitor) Stop() {
	if m == nil || !m.running {
		return
	}

	// Give a moment for any pending events to be processed.
	time.Sleep(500 * time.Millisecond)

	if m.cancel != nil {
		m.cancel()
	}

	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}

	m.running = false
}

// scan reads the log stream line by line, correlating violation lines with the
// CMD64 tag that names the command which produced them.
func (m *LogMonitor) scan(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	var pendingB64 string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "Filtering") || strings.HasPrefix(line, "Timestamp") {
			continue
		}
		if strings.Contains(line, "duplicate report") {
			continue
		}

		if b64, ok := extractCMD64(line); ok {
			pendingB64 = b64
		}
		if strings.HasPrefix(line, "CMD64_") {
			// Pure marker line; nothing else to report on this line.
			continue
		}

		operation, details, text := parseViolation(line)
		if text == "" {
			continue
		}
		if !shouldShowViolation(operation) || isNoisyViolation(operation, details) {
			continue
		}

		m.emit(text, details, pendingB64)
	}
}

// emit decides whether to surface a violation given the ignore configuration,
// prints it, and records it into the store.
func (m *LogMonitor) emit(text, details, b64 string) {
	decodedCmd := ""
	if b64 != "" {
		if d, err := DecodeSandboxedCommand(b64); err == nil {
			decodedCmd = d
		}
	}

	if m.shouldIgnore(decodedCmd, details) {
		return
	}

	fmt.Fprintf(os.Stderr, "%s\n", text)

	if m.store != nil {
		m.store.Add(SandboxViolationEvent{
			Line:           text,
			Command:        decodedCmd,
			EncodedCommand: b64,
			Timestamp:      time.Now(),
		})
	}
}

// shouldIgnore applies the wildcard ignore key and per-command-pattern ignore
// lists from the policy config. A pattern matches when it is a substring of the
// decoded command, and the violation's path is among that pattern's listed paths.
func (m *LogMonitor) shouldIgnore(decodedCmd, details string) bool {
	if m.cfg == nil || len(m.cfg.IgnoreViolations) == 0 {
		return false
	}

	if paths, ok := m.cfg.IgnoreViolations["*"]; ok && pathListMatches(paths, details) {
		return true
	}

	if decodedCmd == "" {
		return false
	}
	for pattern, paths := range m.cfg.IgnoreViolations {
		if pattern == "*" {
			continue
		}
		if strings.Contains(decodedCmd, pattern) && pathListMatches(paths, details) {
			return true
		}
	}
	return false
}

func pathListMatches(paths []string, details string) bool {
	if len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if p != "" && strings.Contains(details, p) {
			return true
		}
	}
	return false
}

// cmd64Pattern extracts the base64 payload from an embedded log tag.
var cmd64Pattern = regexp.MustCompile(`CMD64_([A-Za-z0-9+/=]+)_END_`)

func extractCMD64(line string) (string, bool) {
	m := cmd64Pattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// violationPattern matches sandbox denial log entries.
var violationPattern = regexp.MustCompile(`Sandbox: (\w+)\((\d+)\) deny\(\d+\) (\S+)(.*)`)

// parseViolation extracts the operation, detail path, and formatted display text
// from a sandbox denial log line. Returns an empty text when the line isn't one.
func parseViolation(line string) (operation, details, text string) {
	matches := violationPattern.FindStringSubmatch(line)
	if matches == nil {
		return "", "", ""
	}

	process := matches[1]
	pid := matches[2]
	operation = matches[3]
	details = strings.TrimSpace(matches[4])

	timestamp := time.Now().Format("15:04:05")
	if details != "" {
		text = fmt.Sprintf("[fence:logstream] %s ✗ %s %s (%s:%s)", timestamp, operation, details, process, pid)
	} else {
		text = fmt.Sprintf("[fence:logstream] %s ✗ %s (%s:%s)", timestamp, operation, process, pid)
	}
	return operation, details, text
}

// shouldShowViolation returns true if this violation type should be displayed.
func shouldShowViolation(operation string) bool {
	if strings.HasPrefix(operation, "network-") {
		return true
	}
	if strings.HasPrefix(operation, "file-read") || strings.HasPrefix(operation, "file-write") {
		return true
	}
	// Filter out everything else (mach-lookup, file-ioctl, etc.).
	return false
}

// isNoisyViolation returns true if this violation is system noise that should be filtered.
func isNoisyViolation(operation, details string) bool {
	if strings.HasPrefix(details, "/dev/tty") || strings.HasPrefix(details, "/dev/pts") {
		return true
	}
	if strings.Contains(details, "mDNSResponder") {
		return true
	}
	if strings.Contains(details, "com.apple.diagnosticd") {
		return true
	}
	if strings.Contains(details, "com.apple.analyticsd") {
		return true
	}
	if strings.HasPrefix(details, "/private/var/run/syslog") {
		return true
	}
	return false
}

// GetSessionSuffix returns the session suffix used for filtering.
// This is the same suffix used in macOS sandbox-exec profiles.
func GetSessionSuffix() string {
	return sessionSuffix // defined in macos.go
}
