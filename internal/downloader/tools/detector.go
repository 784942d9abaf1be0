// Package tools locates the external binaries the assembly and relocation
// stages shell out to.
package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// ToolType identifies an external tool
type ToolType int

const (
	// ToolFFmpeg concatenates staged segments into an MP4
	ToolFFmpeg ToolType = iota
	// ToolRclone moves finished files to a remote
	ToolRclone
)

// ErrToolMissing is returned when a required tool is not installed
var ErrToolMissing = errors.New("required tool not found")

// String returns the binary name of the tool
func (t ToolType) String() string {
	switch t {
	case ToolFFmpeg:
		return "ffmpeg"
	case ToolRclone:
		return "rclone"
	default:
		return "unknown"
	}
}

// versionArgs returns the arguments that make the tool print its version
func (t ToolType) versionArgs() []string {
	switch t {
	case ToolFFmpeg:
		return []string{"-version"}
	case ToolRclone:
		return []string{"version"}
	default:
		return []string{"--version"}
	}
}

// ToolInfo contains information about an external tool
type ToolInfo struct {
	Type      ToolType
	Binary    string
	Version   string
	Available bool
}

// Detect resolves binary (a name on PATH or an absolute path) for the given
// tool. A missing tool is reported through Available, not an error.
func Detect(ctx context.Context, t ToolType, binary string) *ToolInfo {
	if binary == "" {
		binary = t.String()
	}
	info := &ToolInfo{Type: t}
	path, err := FindTool(binary)
	if err != nil {
		return info
	}
	info.Binary = path
	info.Available = true
	info.Version, _ = GetVersion(ctx, path, t.versionArgs()...)
	return info
}

// Require is Detect that fails when the tool is absent
func Require(ctx context.Context, t ToolType, binary string) (*ToolInfo, error) {
	info := Detect(ctx, t, binary)
	if !info.Available {
		if binary == "" {
			binary = t.String()
		}
		return info, fmt.Errorf("%w: %s (looked for %q)", ErrToolMissing, t, binary)
	}
	return info, nil
}

// FindTool searches for a tool in the system PATH
// Returns the full path to the binary or an error if not found
func FindTool(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

// GetVersion runs the tool with args and parses a version from the first
// line of its output.
func GetVersion(ctx context.Context, toolPath string, args ...string) (string, error) {
	if len(args) == 0 {
		args = []string{"--version"}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, toolPath, args...).Output()
	if err != nil {
		return "", fmt.Errorf("failed to get version for %s: %w", toolPath, err)
	}

	version := parseVersion(string(output))
	if version == "" {
		return "", fmt.Errorf("failed to parse version from output: %s", output)
	}
	return version, nil
}

var (
	versionPattern = regexp.MustCompile(`version\s+([^\s,]+)`)
	rclonePattern  = regexp.MustCompile(`\bv(\d+\.\d+(?:\.\d+)?)`)
	genericPattern = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)
)

// parseVersion extracts a version string from tool output.
// ffmpeg prints "ffmpeg version 6.1.1-3ubuntu5 Copyright ...",
// rclone prints "rclone v1.66.0".
func parseVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	firstLine, _, _ := strings.Cut(output, "\n")
	firstLine = strings.TrimSpace(firstLine)

	if m := versionPattern.FindStringSubmatch(firstLine); len(m) > 1 {
		return m[1]
	}
	if m := rclonePattern.FindStringSubmatch(firstLine); len(m) > 1 {
		return m[1]
	}
	if m := genericPattern.FindStringSubmatch(firstLine); len(m) > 1 {
		return m[1]
	}

	if len(firstLine) < 100 {
		return firstLine
	}
	return ""
}
