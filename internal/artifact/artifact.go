// Package artifact manages the temporary files produced while a video moves
// through the processing pipeline.
//
// A Store owns one session directory per process. Each call gets its own
// Manager from the Store; the Manager allocates artifacts inside the session
// directory and releases every one of them exactly once.
package artifact

import (
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies the content held by an artifact.
type Kind string

const (
	// KindVideoContainer is a complete video file (input, transformed or muxed output).
	KindVideoContainer Kind = "video-container"

	// KindAudioTrack is an audio-only file extracted from a video.
	KindAudioTrack Kind = "audio-track"
)

// Ext returns the file extension used for artifacts of this kind.
// ffmpeg picks the container format from it.
func (k Kind) Ext() string {
	switch k {
	case KindAudioTrack:
		return ".m4a"
	default:
		return ".mp4"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindVideoContainer || k == KindAudioTrack
}

// Artifact is a durable, uniquely named temporary file.
type Artifact struct {
	// ID is a unique identifier for this artifact.
	ID ulid.ULID

	// Kind identifies the content type.
	Kind Kind

	// Path is the absolute path of the backing file.
	Path string

	// CreatedAt is when the artifact was allocated.
	CreatedAt time.Time
}

// String returns a short identifier suitable for logs.
func (a *Artifact) String() string {
	return fmt.Sprintf("%s(%s)", a.Kind, a.ID)
}

// Create opens the artifact for writing, truncating any existing content.
func (a *Artifact) Create() (*os.File, error) {
	f, err := os.OpenFile(a.Path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s for writing: %w", a.ID, err)
	}
	return f, nil
}

// Open opens the artifact for reading.
func (a *Artifact) Open() (*os.File, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", a.ID, err)
	}
	return f, nil
}

// Size returns the current size of the artifact in bytes.
func (a *Artifact) Size() (int64, error) {
	info, err := os.Stat(a.Path)
	if err != nil {
		return 0, fmt.Errorf("stat artifact %s: %w", a.ID, err)
	}
	return info.Size(), nil
}
