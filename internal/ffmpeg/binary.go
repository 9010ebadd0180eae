// Package ffmpeg provides FFmpeg/FFprobe binary detection, command building
// and the ffmpeg-backed media codec used by the processing pipeline.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ErrBinaryNotFound is returned when ffmpeg or ffprobe cannot be located.
var ErrBinaryNotFound = errors.New("binary not found")

// BinaryInfo contains information about the FFmpeg/FFprobe installation.
type BinaryInfo struct {
	FFmpegPath   string `json:"ffmpeg_path"`
	FFprobePath  string `json:"ffprobe_path"`
	Version      string `json:"version"`
	MajorVersion int    `json:"major_version"`
	MinorVersion int    `json:"minor_version"`
}

// BinaryDetector locates the FFmpeg and FFprobe binaries once and caches the result.
type BinaryDetector struct {
	ffmpegPath  string
	ffprobePath string

	mu   sync.Mutex
	info *BinaryInfo
}

// NewBinaryDetector creates a detector. Empty paths are searched for in the
// working directory and then on $PATH.
func NewBinaryDetector(ffmpegPath, ffprobePath string) *BinaryDetector {
	return &BinaryDetector{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// Detect resolves both binaries and reads the ffmpeg version.
// Both are required: ffprobe decides whether the input has audio.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil {
		return d.info, nil
	}

	ffmpegPath, err := findBinary("ffmpeg", d.ffmpegPath)
	if err != nil {
		return nil, err
	}
	ffprobePath, err := findBinary("ffprobe", d.ffprobePath)
	if err != nil {
		return nil, err
	}

	output, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	version, major, minor, err := parseVersion(string(output))
	if err != nil {
		return nil, err
	}

	d.info = &BinaryInfo{
		FFmpegPath:   ffmpegPath,
		FFprobePath:  ffprobePath,
		Version:      version,
		MajorVersion: major,
		MinorVersion: minor,
	}
	return d.info, nil
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion extracts the version from `ffmpeg -version` output, which
// starts like "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g...".
func parseVersion(output string) (string, int, int, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		full := parts[2]
		var major, minor int
		if m := versionRegex.FindStringSubmatch(full); len(m) >= 3 {
			major, _ = strconv.Atoi(m[1])
			minor, _ = strconv.Atoi(m[2])
		}
		return full, major, minor, nil
	}
	return "", 0, 0, fmt.Errorf("failed to parse ffmpeg version")
}

// findBinary resolves name. A configured path must point at an executable;
// otherwise ./name and then $PATH are tried.
func findBinary(name, configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: %s at %s is not executable", ErrBinaryNotFound, name, configured)
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

// isExecutable checks if a file exists and is executable by someone.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
