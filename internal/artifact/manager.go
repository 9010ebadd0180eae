package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrManagerClosed is returned by Allocate after ReleaseAll has run.
var ErrManagerClosed = errors.New("artifact manager closed")

// ErrNotRegistered is returned by Release for an artifact this manager did not issue.
var ErrNotRegistered = errors.New("artifact not registered")

// Manager tracks the artifacts allocated for a single call.
//
// Every artifact returned by Allocate is registered before it is handed out
// and is removed from disk exactly once, either by Release or by ReleaseAll.
// A Manager is safe for concurrent use.
type Manager struct {
	dir       string
	logger    *slog.Logger
	preflight func() error

	mu       sync.Mutex
	live     map[ulid.ULID]*Artifact
	released map[ulid.ULID]struct{}
	closed   bool
}

// NewManager creates a manager that allocates artifacts in dir.
// The directory must already exist. Most callers should use Store.NewManager.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:      dir,
		logger:   logger,
		live:     make(map[ulid.ULID]*Artifact),
		released: make(map[ulid.ULID]struct{}),
	}
}

// Allocate creates a new empty artifact of the given kind and registers it.
// The backing file exists when Allocate returns, so a failure while writing
// it still leaves a registered artifact for cleanup.
func (m *Manager) Allocate(kind Kind) (*Artifact, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	if m.preflight != nil {
		if err := m.preflight(); err != nil {
			return nil, err
		}
	}

	id := ulid.Make()
	a := &Artifact{
		ID:        id,
		Kind:      kind,
		Path:      filepath.Join(m.dir, id.String()+kind.Ext()),
		CreatedAt: time.Now(),
	}

	f, err := os.OpenFile(a.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating artifact file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(a.Path)
		return nil, fmt.Errorf("closing artifact file: %w", err)
	}

	m.live[id] = a
	m.logger.Debug("artifact allocated",
		slog.String("artifact_id", id.String()),
		slog.String("kind", string(kind)),
		slog.String("path", a.Path),
	)
	return a, nil
}

// Release removes a single artifact. Releasing an artifact twice is a no-op.
// The artifact is deregistered even if removing the file fails, so it is
// never attempted again.
func (m *Manager) Release(a *Artifact) error {
	if a == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.released[a.ID]; done {
		return nil
	}
	if _, ok := m.live[a.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, a.ID)
	}
	return m.releaseLocked(a)
}

func (m *Manager) releaseLocked(a *Artifact) error {
	delete(m.live, a.ID)
	m.released[a.ID] = struct{}{}

	if err := os.Remove(a.Path); err != nil {
		return fmt.Errorf("removing artifact %s: %w", a.ID, err)
	}
	m.logger.Debug("artifact released",
		slog.String("artifact_id", a.ID.String()),
		slog.String("kind", string(a.Kind)),
	)
	return nil
}

// ReleaseAll releases every registered artifact and closes the manager.
// Individual failures are logged and returned joined; they never stop the
// remaining releases. Calling ReleaseAll again returns nil.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	var errs []error
	for _, a := range m.live {
		if err := m.releaseLocked(a); err != nil {
			m.logger.Warn("failed to release artifact",
				slog.String("artifact_id", a.ID.String()),
				slog.String("kind", string(a.Kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Live returns the number of registered artifacts not yet released.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Released returns the number of artifacts released so far.
func (m *Manager) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

// Dir returns the directory artifacts are allocated in.
func (m *Manager) Dir() string {
	return m.dir
}
