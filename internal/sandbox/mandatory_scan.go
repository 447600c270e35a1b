//go:build linux

package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sandboxrun/fence/internal/config"
)

// mandatoryScanTimeout bounds the content-grep subprocess per the recursive
// scan's suspension point.
const mandatoryScanTimeout = 10 * time.Second

// mandatoryScanOutputCap bounds how much of the grep tool's stdout we read,
// guarding against a scan over a huge tree producing an unbounded path list.
const mandatoryScanOutputCap = 20 * 1024 * 1024

// scanMandatoryDenyPaths recursively enumerates dangerous filenames and
// directory patterns under cwd, bounded to depth, using the configured
// content-grep tool in file-listing mode. It returns the literal deny path
// list on its own when the scan fails or is cancelled: the caller always has
// a safe (if smaller) set to fall back to.
func scanMandatoryDenyPaths(ctx context.Context, cfg *config.Config, cwd string, debug bool) []string {
	literal := getMandatoryDenyPaths(cwd)

	depth := DefaultMandatoryDenySearchDepth
	if cfg != nil {
		depth = cfg.SearchDepth()
	}

	rgCmd, rgArgs := "rg", []string{}
	if cfg != nil {
		rgCmd, rgArgs = cfg.RipgrepCommand()
	}

	found, err := runMandatoryDenyScan(ctx, rgCmd, rgArgs, cwd, depth)
	if err != nil {
		if debug {
			fmt.Fprintf(os.Stderr, "[fence:linux] mandatory-deny scan degraded to literal set: %v\n", err)
		}
		return literal
	}

	return append(literal, found...)
}

// runMandatoryDenyScan shells out to a ripgrep-compatible file lister
// restricted to the dangerous filename/directory patterns, honoring ctx
// cancellation and a hard output cap.
func runMandatoryDenyScan(ctx context.Context, rgCmd string, rgArgs []string, cwd string, depth int) ([]string, error) {
	if _, err := exec.LookPath(rgCmd); err != nil {
		return nil, fmt.Errorf("content-grep tool %q not found: %w", rgCmd, err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, mandatoryScanTimeout)
	defer cancel()

	args := append([]string{}, rgArgs...)
	args = append(args,
		"--files",
		"--hidden",
		"--no-ignore-vcs",
		"--max-depth", fmt.Sprintf("%d", depth),
	)
	for _, name := range dangerousScanGlobs() {
		args = append(args, "-g", name)
	}
	args = append(args, cwd)

	cmd := exec.CommandContext(scanCtx, rgCmd, args...) //nolint:gosec // rgCmd is config-controlled, not user input
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	limited := io.LimitReader(stdout, mandatoryScanOutputCap)
	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seenDirs := make(map[string]bool)
	var results []string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		results = append(results, line)
		if dir := dangerousAncestorDir(line); dir != "" && !seenDirs[dir] {
			seenDirs[dir] = true
			results = append(results, dir)
		}
	}

	waitErr := cmd.Wait()
	if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("content-grep scan timed out after %s", mandatoryScanTimeout)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("content-grep scan cancelled: %w", ctx.Err())
	}
	// rg exits 1 when it finds nothing; that's not a scan failure.
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) || exitErr.ExitCode() != 1 {
			return nil, fmt.Errorf("content-grep scan failed: %w", waitErr)
		}
	}

	return results, nil
}

// dangerousScanGlobs returns the ripgrep --files glob filters matching
// DangerousFiles and DangerousDirectories anywhere under the search root.
func dangerousScanGlobs() []string {
	var globs []string
	for _, f := range DangerousFiles {
		globs = append(globs, "**/"+f)
	}
	for _, d := range DangerousDirectories {
		globs = append(globs, "**/"+d+"/**")
	}
	globs = append(globs, "**/.git/hooks/**")
	return globs
}

// dangerousAncestorDir returns the dangerous-directory ancestor of path, if
// any, so the directory itself (not just its files) ends up in the deny set.
func dangerousAncestorDir(path string) string {
	for _, d := range DangerousDirectories {
		marker := string(filepath.Separator) + filepath.FromSlash(d) + string(filepath.Separator)
		if idx := strings.Index(path, marker); idx >= 0 {
			return path[:idx+len(marker)-1]
		}
	}
	if idx := strings.Index(path, string(filepath.Separator)+".git"+string(filepath.Separator)+"hooks"+string(filepath.Separator)); idx >= 0 {
		return path[:idx+len(string(filepath.Separator)+".git"+string(filepath.Separator)+"hooks")]
	}
	return ""
}
