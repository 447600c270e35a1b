// Package sandbox provides sandboxing functionality for macOS and Linux.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sandboxrun/fence/internal/config"
)

// CommandBlockedError is returned when a command is blocked by policy.
type CommandBlockedError struct {
	Command       string
	BlockedPrefix string
	IsDefault     bool
}

func (e *CommandBlockedError) Error() string {
	if e.IsDefault {
		return fmt.Sprintf("command blocked by default policy: %q matches %q", e.Command, e.BlockedPrefix)
	}
	return fmt.Sprintf("command blocked by policy: %q matches %q", e.Command, e.BlockedPrefix)
}

// CheckCommand checks if a command is allowed by the configuration.
// It parses shell command strings and checks each sub-command in pipelines/chains,
// then applies the ssh sub-policy to any sub-command that is itself an ssh(1)
// invocation. Returns nil if allowed, or an error describing the first violation.
func CheckCommand(command string, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}

	subCommands := parseShellCommand(command)

	for _, subCmd := range subCommands {
		if err := checkSingleCommand(subCmd, cfg); err != nil {
			return err
		}
		if err := checkSSHCommand(subCmd, cfg); err != nil {
			return err
		}
	}

	return nil
}

// checkSingleCommand checks a single command (not a chain) against the policy.
// The built-in dangerous-command list, when enabled, is checked first and is
// additive: a user-supplied allow pattern cannot override it, only a user's
// own deny/allow pair can override each other.
func checkSingleCommand(command string, cfg *config.Config) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}

	// Normalize the command for matching
	normalized := normalizeCommand(command)

	// Check default deny list first (if enabled) - not overridable by allow
	if cfg.Command.UseDefaultDeniedCommands() {
		for _, deny := range config.DefaultDeniedCommands {
			if matchesCommandPattern(normalized, deny) {
				return &CommandBlockedError{
					Command:       command,
					BlockedPrefix: deny,
					IsDefault:     true,
				}
			}
		}
	}

	// Check if explicitly allowed (takes precedence over the user's own deny list)
	for _, allow := range cfg.Command.Allow {
		if matchesCommandPattern(normalized, allow) {
			return nil
		}
	}

	// Check user-defined deny list
	for _, deny := range cfg.Command.Deny {
		if matchesCommandPattern(normalized, deny) {
			return &CommandBlockedError{
				Command:       command,
				BlockedPrefix: deny,
				IsDefault:     false,
			}
		}
	}

	return nil
}

// parseShellCommand splits a shell command string into individual commands.
// Handles: pipes (|), logical operators (&&, ||), semicolons (;), and subshells.
func parseShellCommand(command string) []string {
	var commands []string
	var current strings.Builder
	var inSingleQuote, inDoubleQuote bool
	var parenDepth int

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		// Handle quotes
		if c == '\'' && !inDoubleQuote {
			inSingleQuote = !inSingleQuote
			current.WriteRune(c)
			continue
		}
		if c == '"' && !inSingleQuote {
			inDoubleQuote = !inDoubleQuote
			current.WriteRune(c)
			continue
		}

		// Skip splitting inside quotes
		if inSingleQuote || inDoubleQuote {
			current.WriteRune(c)
			continue
		}

		// Handle parentheses (subshells)
		if c == '(' {
			parenDepth++
			current.WriteRune(c)
			continue
		}
		if c == ')' {
			parenDepth--
			current.WriteRune(c)
			continue
		}

		// Skip splitting inside subshells
		if parenDepth > 0 {
			current.WriteRune(c)
			continue
		}

		// Handle shell operators
		switch c {
		case '|':
			// Check for || (or just |)
			if i+1 < len(runes) && runes[i+1] == '|' {
				// ||
				if s := strings.TrimSpace(current.String()); s != "" {
					commands = append(commands, s)
				}
				current.Reset()
				i++ // Skip second |
			} else {
				// Just a pipe
				if s := strings.TrimSpace(current.String()); s != "" {
					commands = append(commands, s)
				}
				current.Reset()
			}
		case '&':
			// Check for &&
			if i+1 < len(runes) && runes[i+1] == '&' {
				if s := strings.TrimSpace(current.String()); s != "" {
					commands = append(commands, s)
				}
				current.Reset()
				i++ // Skip second &
			} else {
				// Background operator - keep in current command
				current.WriteRune(c)
			}
		case ';':
			if s := strings.TrimSpace(current.String()); s != "" {
				commands = append(commands, s)
			}
			current.Reset()
		default:
			current.WriteRune(c)
		}
	}

	// Add remaining command
	if s := strings.TrimSpace(current.String()); s != "" {
		commands = append(commands, s)
	}

	// Handle nested shell invocations like "bash -c 'git push'"
	var expanded []string
	for _, cmd := range commands {
		expanded = append(expanded, expandShellInvocation(cmd)...)
	}

	return expanded
}

// expandShellInvocation detects patterns like "bash -c 'cmd'" or "sh -c 'cmd'"
// and extracts the inner command for checking.
func expandShellInvocation(command string) []string {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}

	tokens := tokenizeCommand(command)
	if len(tokens) < 3 {
		return []string{command}
	}

	// Check for shell -c pattern
	shell := filepath.Base(tokens[0])
	isShell := shell == "sh" || shell == "bash" || shell == "zsh" ||
		shell == "ksh" || shell == "dash" || shell == "fish"

	if !isShell {
		return []string{command}
	}

	// Look for -c flag (could be combined with other flags like -lc, -ic, etc.)
	for i := 1; i < len(tokens)-1; i++ {
		flag := tokens[i]
		// Check for -c, -lc, -ic, -ilc, etc. (any flag containing 'c')
		if strings.HasPrefix(flag, "-") && strings.Contains(flag, "c") {
			// Next token is the command string
			innerCmd := tokens[i+1]
			// Recursively parse the inner command
			innerCommands := parseShellCommand(innerCmd)
			// Return both the outer command and inner commands
			// (we check both for safety)
			result := []string{command}
			result = append(result, innerCommands...)
			return result
		}
	}

	return []string{command}
}

// tokenizeCommand splits a command string into tokens, respecting quotes.
func tokenizeCommand(command string) []string {
	var tokens []string
	var current strings.Builder
	var inSingleQuote, inDoubleQuote bool

	for _, c := range command {
		switch {
		case c == '\'' && !inDoubleQuote:
			inSingleQuote = !inSingleQuote
		case c == '"' && !inSingleQuote:
			inDoubleQuote = !inDoubleQuote
		case (c == ' ' || c == '\t') && !inSingleQuote && !inDoubleQuote:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(c)
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}

// normalizeCommand normalizes a command for matching.
// - Strips leading path from the command (e.g., /usr/bin/git -> git)
// - Collapses multiple spaces
func normalizeCommand(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}

	tokens := tokenizeCommand(command)
	if len(tokens) == 0 {
		return command
	}

	tokens[0] = filepath.Base(tokens[0])

	return strings.Join(tokens, " ")
}

// matchesCommandPattern checks a (normalized) command against a single
// deny/allow/default pattern. Patterns containing glob metacharacters
// (*, ?, [, ]) are matched with doublestar against the whole command
// string, with "*" also matching "/"; plain patterns fall back to
// matchesPrefix.
func matchesCommandPattern(command, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}

	if ContainsGlobChars(pattern) {
		// "/" is swapped for NUL on both sides so doublestar doesn't treat the
		// slashes of URLs and paths inside a command as path separators.
		normalizedPattern := strings.ReplaceAll(normalizeCommand(pattern), "/", "\x00")
		ok, err := doublestar.Match(normalizedPattern, strings.ReplaceAll(command, "/", "\x00"))
		return err == nil && ok
	}

	return matchesPrefix(command, pattern)
}

// matchesPrefix checks if a command matches a blocked prefix.
// The prefix matches the command at a word boundary: either the command
// equals the prefix exactly, or the prefix is followed by whitespace. A
// prefix that already ends on a non-word character (e.g. "dd if=") needs no
// boundary check, since there's no risk of it matching a longer word
// ("dd if=" must match "dd if=/dev/zero ..." even though "=" is immediately
// followed by a path, not a space).
func matchesPrefix(command, prefix string) bool {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return false
	}

	prefix = normalizeCommand(prefix)

	if command == prefix {
		return true
	}

	if !strings.HasPrefix(command, prefix) {
		return false
	}

	rest := command[len(prefix):]
	if rest == "" {
		return true
	}

	if !isWordByte(prefix[len(prefix)-1]) {
		return true
	}

	return rest[0] == ' '
}

// isWordByte reports whether b is a letter, digit, or underscore.
func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

// SSHBlockedError is returned when an ssh(1) invocation is blocked by cfg.SSH.
type SSHBlockedError struct {
	Command string
	Host    string
	Reason  string
}

func (e *SSHBlockedError) Error() string {
	return fmt.Sprintf("ssh command blocked: %q (host %q): %s", e.Command, e.Host, e.Reason)
}

// sshFlagsWithValue lists the ssh(1) options that consume a separate argument,
// so splitSSHInvocation doesn't mistake an option's value for the destination.
var sshFlagsWithValue = map[string]bool{
	"-p": true, "-i": true, "-o": true, "-F": true, "-l": true,
	"-L": true, "-R": true, "-D": true, "-J": true, "-B": true,
	"-b": true, "-c": true, "-m": true, "-O": true, "-Q": true,
	"-S": true, "-w": true, "-E": true, "-I": true, "-W": true,
}

// splitSSHInvocation walks a tokenized `ssh [options] destination [command...]`
// invocation and returns the destination argument and any remote command
// tokens that follow it. Returns ("", nil) when no destination is found.
func splitSSHInvocation(tokens []string) (string, []string) {
	i := 1
	for i < len(tokens) {
		t := tokens[i]
		if t == "--" {
			i++
			break
		}
		if strings.HasPrefix(t, "-") && t != "-" {
			if sshFlagsWithValue[t] {
				i += 2
			} else {
				i++
			}
			continue
		}
		break
	}

	if i >= len(tokens) {
		return "", nil
	}

	return tokens[i], tokens[i+1:]
}

// checkSSHCommand applies cfg.SSH to command if it is an ssh(1) invocation.
// Host patterns are checked deny-first (a denied host wins even when it also
// matches an allowed wildcard). A remote command is checked against
// DeniedCommands, then (with InheritDeny) against the top-level command.deny
// rules and default dangerous-command list, then, unless AllowAllCommands is
// set, against AllowedCommands when that list is non-empty. Non-ssh commands
// return nil.
func checkSSHCommand(command string, cfg *config.Config) error {
	tokens := tokenizeCommand(strings.TrimSpace(command))
	if len(tokens) == 0 || filepath.Base(tokens[0]) != "ssh" {
		return nil
	}

	dest, remote := splitSSHInvocation(tokens)
	if dest == "" {
		return nil
	}

	host := dest
	if idx := strings.LastIndex(host, "@"); idx >= 0 {
		host = host[idx+1:]
	}

	for _, denied := range cfg.SSH.DeniedHosts {
		if config.MatchesHost(host, denied) {
			return &SSHBlockedError{Command: command, Host: host, Reason: fmt.Sprintf("host matches deniedHosts pattern %q", denied)}
		}
	}

	if len(cfg.SSH.AllowedHosts) > 0 {
		allowed := false
		for _, pattern := range cfg.SSH.AllowedHosts {
			if config.MatchesHost(host, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &SSHBlockedError{Command: command, Host: host, Reason: "host not in allowedHosts"}
		}
	}

	if len(remote) == 0 {
		return nil
	}
	remoteCommand := normalizeCommand(strings.Join(remote, " "))

	for _, denied := range cfg.SSH.DeniedCommands {
		if matchesCommandPattern(remoteCommand, denied) {
			return &SSHBlockedError{Command: command, Host: host, Reason: fmt.Sprintf("remote command matches deniedCommands pattern %q", denied)}
		}
	}

	if cfg.SSH.InheritDeny {
		for _, denied := range cfg.Command.Deny {
			if matchesCommandPattern(remoteCommand, denied) {
				return &SSHBlockedError{Command: command, Host: host, Reason: fmt.Sprintf("remote command matches command.deny pattern %q", denied)}
			}
		}
		if cfg.Command.UseDefaultDeniedCommands() {
			for _, denied := range config.DefaultDeniedCommands {
				if matchesCommandPattern(remoteCommand, denied) {
					return &SSHBlockedError{Command: command, Host: host, Reason: fmt.Sprintf("remote command matches default deny pattern %q", denied)}
				}
			}
		}
	}

	if !cfg.SSH.AllowAllCommands && len(cfg.SSH.AllowedCommands) > 0 {
		allowed := false
		for _, pattern := range cfg.SSH.AllowedCommands {
			if matchesCommandPattern(remoteCommand, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &SSHBlockedError{Command: command, Host: host, Reason: "remote command not in allowedCommands"}
		}
	}

	return nil
}
