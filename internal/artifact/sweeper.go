package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
)

// DefaultSweepMinAge is how old an unlocked session directory must be
// before it is considered orphaned.
const DefaultSweepMinAge = time.Minute

// Sweeper removes session directories left behind by processes that exited
// without closing their Store. A directory is orphaned when its lock can be
// acquired and it is older than the minimum age.
type Sweeper struct {
	root    string
	exclude string
	minAge  time.Duration
	logger  *slog.Logger
	parser  cron.Parser

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper for the root of the given store.
// The store's own session directory is never swept.
func NewSweeper(store *Store, minAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if minAge <= 0 {
		minAge = DefaultSweepMinAge
	}
	return &Sweeper{
		root:    store.Root(),
		exclude: store.Dir(),
		minAge:  minAge,
		logger:  logger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Sweep removes orphaned session directories and returns how many were removed.
func (s *Sweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading temp root: %w", err)
	}

	cutoff := time.Now().Add(-s.minAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), SessionPrefix) {
			continue
		}

		dirPath := filepath.Join(s.root, entry.Name())
		if dirPath == s.exclude {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("failed to get session directory info",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if s.removeIfOrphaned(dirPath, info.ModTime()) {
			removed++
		}
	}

	return removed, nil
}

func (s *Sweeper) removeIfOrphaned(dirPath string, modTime time.Time) bool {
	lock := flock.New(filepath.Join(dirPath, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		s.logger.Warn("failed to probe session lock",
			slog.String("path", dirPath),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		s.logger.Debug("session directory in use", slog.String("path", dirPath))
		return false
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.RemoveAll(dirPath); err != nil {
		s.logger.Warn("failed to remove orphaned session directory",
			slog.String("path", dirPath),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.logger.Info("removed orphaned session directory",
		slog.String("path", dirPath),
		slog.Duration("age", time.Since(modTime).Round(time.Second)),
	)
	return true
}

// Start schedules periodic sweeps using a cron spec such as "@every 15m"
// or "*/30 * * * *". An empty spec disables periodic sweeping.
func (s *Sweeper) Start(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("parsing sweep schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, s.runScheduled); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("artifact sweeper started", slog.String("schedule", spec))
	return nil
}

func (s *Sweeper) runScheduled() {
	if _, err := s.Sweep(); err != nil {
		s.logger.Warn("scheduled sweep failed", slog.String("error", err.Error()))
	}
}

// Stop stops scheduled sweeps and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("artifact sweeper stopped")
}
