package sandbox

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ContainsGlobChars reports whether a path pattern contains glob metacharacters.
func ContainsGlobChars(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]")
}

// RemoveTrailingGlobSuffix removes a trailing /** recursion token from a path pattern.
func RemoveTrailingGlobSuffix(pattern string) string {
	return strings.TrimSuffix(pattern, "/**")
}

// NormalizePath expands ~ and relative paths against the working directory, then
// resolves symlinks subject to the boundary rule: a resolution is only accepted when
// it equals the input, is the macOS canonical private-prefixed form of the input, or
// is a strict descendant of one of those. Any other resolution (including "/", an
// ancestor, or an unrelated tree) is rejected and the unresolved, expanded path is
// returned instead. Glob patterns resolve only their static prefix and splice the
// glob remainder back onto the resolved directory.
func NormalizePath(pathPattern string) string {
	expanded := expandPath(pathPattern)

	if !ContainsGlobChars(expanded) {
		return resolveWithinBoundary(expanded)
	}

	idx := strings.IndexAny(expanded, "*?[]")
	staticPrefix := expanded[:idx]
	remainder := expanded[idx:]

	dir := filepath.Dir(staticPrefix)
	base := filepath.Base(staticPrefix)
	// If the static prefix ends exactly on a path separator, staticPrefix has no
	// partial trailing component to preserve; filepath.Dir already gives us the
	// directory to resolve.
	if strings.HasSuffix(staticPrefix, "/") || staticPrefix == "" {
		resolvedDir := resolveWithinBoundary(dir)
		return joinPath(resolvedDir, remainder)
	}

	resolvedDir := resolveWithinBoundary(dir)
	return joinPath(resolvedDir, base+remainder)
}

func joinPath(dir, rest string) string {
	dir = strings.TrimSuffix(dir, "/")
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return dir + rest
}

func expandPath(pathPattern string) string {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	switch {
	case pathPattern == "~":
		return home
	case strings.HasPrefix(pathPattern, "~/"):
		return filepath.Join(home, pathPattern[2:])
	case filepath.IsAbs(pathPattern):
		return filepath.Clean(pathPattern)
	default:
		if abs, err := filepath.Abs(filepath.Join(cwd, pathPattern)); err == nil {
			return abs
		}
		return pathPattern
	}
}

// resolveWithinBoundary resolves symlinks in p and enforces the symlink boundary
// rule. On any failure to resolve, or on a resolution that violates the boundary,
// the cleaned, unresolved path is returned.
func resolveWithinBoundary(p string) string {
	clean := filepath.Clean(p)

	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return clean
	}
	resolved = filepath.Clean(resolved)

	if withinBoundary(clean, resolved) {
		return resolved
	}
	return clean
}

// withinBoundary implements the symlink boundary rule from §3/§4.1: resolved is
// acceptable iff it equals original, equals a macOS canonical private-prefixed
// alternate form of original, or is a strict descendant of original or one of
// those alternates.
func withinBoundary(original, resolved string) bool {
	if resolved == "/" {
		return false
	}
	if resolved == original {
		return true
	}
	if isStrictDescendant(original, resolved) {
		return true
	}
	for _, alt := range canonicalPrivateForms(original) {
		if resolved == alt || isStrictDescendant(alt, resolved) {
			return true
		}
	}
	return false
}

// canonicalPrivateForms returns macOS's alternate /private-prefixed spellings for
// paths under /tmp and /var (and the reverse), since both names refer to the same
// inode on Darwin.
func canonicalPrivateForms(p string) []string {
	switch {
	case p == "/tmp" || strings.HasPrefix(p, "/tmp/"):
		return []string{"/private" + p}
	case p == "/var" || strings.HasPrefix(p, "/var/"):
		return []string{"/private" + p}
	case p == "/private/tmp" || strings.HasPrefix(p, "/private/tmp/"):
		return []string{strings.TrimPrefix(p, "/private")}
	case p == "/private/var" || strings.HasPrefix(p, "/private/var/"):
		return []string{strings.TrimPrefix(p, "/private")}
	default:
		return nil
	}
}

// isStrictDescendant reports whether candidate is strictly nested under ancestor.
func isStrictDescendant(ancestor, candidate string) bool {
	if ancestor == "/" || ancestor == candidate {
		return false
	}
	rel, err := filepath.Rel(ancestor, candidate)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}
	return true
}

// noProxyList is the RFC1918 + loopback list used for NO_PROXY/no_proxy.
var noProxyList = strings.Join([]string{
	"localhost",
	"127.0.0.1",
	"::1",
	"*.local",
	".local",
	"169.254.0.0/16",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}, ",")

// GenerateProxyEnvVars builds the environment variables a sandboxed process needs
// to route traffic through the local HTTP and/or SOCKS proxies. A zero port
// disables that proxy's variables.
func GenerateProxyEnvVars(httpPort, socksPort int) []string {
	envVars := []string{
		"FENCE_SANDBOX=1",
		"TMPDIR=/tmp/fence",
	}

	if httpPort == 0 && socksPort == 0 {
		return envVars
	}

	envVars = append(envVars,
		"NO_PROXY="+noProxyList,
		"no_proxy="+noProxyList,
	)

	if httpPort > 0 {
		proxyURL := "http://localhost:" + strconv.Itoa(httpPort)
		envVars = append(envVars,
			"HTTP_PROXY="+proxyURL,
			"HTTPS_PROXY="+proxyURL,
			"http_proxy="+proxyURL,
			"https_proxy="+proxyURL,
			"GRPC_PROXY="+proxyURL,
			"DOCKER_HTTP_PROXY="+proxyURL,
			"DOCKER_HTTPS_PROXY="+proxyURL,
		)
	}

	if socksPort > 0 {
		socksURL := "socks5h://localhost:" + strconv.Itoa(socksPort)
		envVars = append(envVars,
			"ALL_PROXY="+socksURL,
			"all_proxy="+socksURL,
			"FTP_PROXY="+socksURL,
			"ftp_proxy="+socksURL,
			"RSYNC_PROXY=localhost:"+strconv.Itoa(socksPort),
			"GIT_SSH_COMMAND=ssh -o ProxyCommand='nc -X 5 -x localhost:"+strconv.Itoa(socksPort)+" %h %p'",
		)
	}

	return envVars
}

// EncodeSandboxedCommand base64-encodes the first 100 bytes of command for
// embedding as a log-correlation tag in sandbox profile deny messages.
func EncodeSandboxedCommand(command string) string {
	if len(command) > 100 {
		command = command[:100]
	}
	return base64.StdEncoding.EncodeToString([]byte(command))
}

// DecodeSandboxedCommand reverses EncodeSandboxedCommand.
func DecodeSandboxedCommand(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
