package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/vidpipe/internal/config"
)

// SessionPrefix is the prefix of every session directory created by a Store.
const SessionPrefix = "vidpipe-"

const lockFileName = ".lock"

// ErrInsufficientSpace is returned when the temp volume is below the configured minimum.
var ErrInsufficientSpace = errors.New("insufficient free space")

// Store owns the session directory that all artifacts of this process live in.
// The directory holds an exclusive file lock for as long as the Store is open,
// which lets a Sweeper in another process tell live sessions from orphans.
type Store struct {
	root    string
	dir     string
	minFree config.ByteSize
	lock    *flock.Flock
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewStore creates a locked session directory below root.
func NewStore(root string, minFree config.ByteSize, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return nil, fmt.Errorf("creating temp root: %w", err)
	}

	dir := filepath.Join(absRoot, SessionPrefix+ulid.Make().String())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("session directory %s is locked by another process", dir)
	}

	s := &Store{
		root:    absRoot,
		dir:     dir,
		minFree: minFree,
		lock:    lock,
		logger:  logger,
	}
	logger.Info("artifact store opened",
		slog.String("dir", dir),
		slog.String("min_free_space", minFree.String()),
	)
	return s, nil
}

// Root returns the directory session directories are created in.
func (s *Store) Root() string {
	return s.root
}

// Dir returns this process's session directory.
func (s *Store) Dir() string {
	return s.dir
}

// NewManager returns a Manager for one call. Every allocation first checks
// the free space on the temp volume.
func (s *Store) NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = s.logger
	}
	m := NewManager(s.dir, logger)
	m.preflight = s.CheckFreeSpace
	return m
}

// CheckFreeSpace returns ErrInsufficientSpace when the session volume has
// less free space than the configured minimum. A zero minimum disables it.
func (s *Store) CheckFreeSpace() error {
	if s.minFree <= 0 {
		return nil
	}

	usage, err := disk.Usage(s.dir)
	if err != nil {
		return fmt.Errorf("reading disk usage for %s: %w", s.dir, err)
	}
	if usage.Free < uint64(s.minFree) {
		return fmt.Errorf("%w: %s free, %s required",
			ErrInsufficientSpace, config.ByteSize(usage.Free), s.minFree)
	}
	return nil
}

// Close releases the session lock and removes the session directory along
// with anything still in it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, fmt.Errorf("removing session directory: %w", err))
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("release session lock: %w", err))
	}

	s.logger.Info("artifact store closed", slog.String("dir", s.dir))
	return errors.Join(errs...)
}
