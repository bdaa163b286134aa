// Package artifact implements the filesystem artifact layout that records
// pipeline progress. A published artifact marks its stage complete for a
// sample; there is no other persisted pipeline state.
package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/me/rnapipe/internal/logging"
)

// tmpDirName holds private write targets inside each stage directory, so a
// publish is always a same-filesystem rename.
const tmpDirName = ".tmp"

// Ref identifies one artifact.
type Ref struct {
	Stage  string
	Sample string
	Role   string
	Name   string // file name under the stage directory
	Format Format
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Stage, r.Sample, r.Role)
}

// Store manages artifacts below a root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a Store rooted at root.
func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{
		root:   root,
		logger: logging.OrDiscard(logger).With("component", "artifact-store"),
	}
}

// Root returns the output root directory.
func (s *Store) Root() string {
	return s.root
}

// StageDir returns the directory holding the published artifacts of stage.
func (s *Store) StageDir(stage string) string {
	return filepath.Join(s.root, stage)
}

// Location returns the final path of ref.
func (s *Store) Location(ref Ref) string {
	return filepath.Join(s.StageDir(ref.Stage), ref.Name)
}

// IsDone reports whether ref is published and passes its format check.
func (s *Store) IsDone(ref Ref) bool {
	path := s.Location(ref)
	if err := Validate(path, ref.Format); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("published artifact failed validation", "artifact", ref.String(), "path", path, "error", err)
		}
		return false
	}
	return true
}

// Begin allocates a private temporary file path for ref. The file is not
// created; its parent directory is.
func (s *Store) Begin(ref Ref) (string, error) {
	dir := filepath.Join(s.StageDir(ref.Stage), tmpDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("begin %s: %w", ref, err)
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%s.%s", ref.Sample, ref.Role, uuid.NewString())), nil
}

// BeginDir creates a private working directory for one invocation of stage.
func (s *Store) BeginDir(stage, sample string) (string, error) {
	parent := filepath.Join(s.StageDir(stage), tmpDirName)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("begin %s/%s: %w", stage, sample, err)
	}
	dir, err := os.MkdirTemp(parent, sample+"-")
	if err != nil {
		return "", fmt.Errorf("begin %s/%s: %w", stage, sample, err)
	}
	return dir, nil
}

// Publish atomically moves tmp to final. The data is flushed before the
// rename so final never names a partially written file.
func (s *Store) Publish(tmp, final string) error {
	info, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("publish %s: %w", final, err)
	}
	if info.IsDir() {
		return fmt.Errorf("publish %s: %s is a directory", final, tmp)
	}
	if err := syncFile(tmp); err != nil {
		return fmt.Errorf("publish %s: sync: %w", final, err)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("publish %s: %w", final, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish %s: %w", final, err)
	}
	s.logger.Debug("published", "path", final)
	return nil
}

// Discard removes a temporary file or directory. Missing paths are not an error.
func (s *Store) Discard(tmp string) error {
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("discard %s: %w", tmp, err)
	}
	return nil
}

// Unpublish removes a published artifact. Used to roll back a partially
// published multi-output invocation.
func (s *Store) Unpublish(ref Ref) error {
	if err := os.Remove(s.Location(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unpublish %s: %w", ref, err)
	}
	return nil
}

// Sweep removes temporary leftovers of interrupted runs for stage and
// returns how many entries were removed. Only call it while no invocation of
// stage is in flight.
func (s *Store) Sweep(stage string) (int, error) {
	dir := filepath.Join(s.StageDir(stage), tmpDirName)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", stage, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return 0, fmt.Errorf("sweep %s: %w", stage, err)
		}
	}
	if len(entries) > 0 {
		s.logger.Info("removed stale temporary outputs", "stage", stage, "count", len(entries))
	}
	return len(entries), nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
