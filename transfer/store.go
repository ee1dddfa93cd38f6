package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	storeDirPerm  = 0o700
	storeFilePerm = 0o600
)

// Store persists transfer plans as one JSON file per in-progress
// transfer, so an interrupted upload or download can resume in a later
// process without redoing completed chunks.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a plan store rooted at dir. An empty dir places plans
// under the user cache directory ($XDG_CACHE_HOME/faculty/transfers).
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving cache directory: %w", err)
		}

		dir = filepath.Join(cacheDir, "faculty", "transfers")
	}

	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating transfer store directory: %w", err)
	}

	return &Store{dir: dir, logger: logger}, nil
}

// Save writes the plan atomically: temp file in the same directory, then
// rename over the target.
func (s *Store) Save(plan *Plan) error {
	data, err := json.MarshalIndent(plan.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding transfer plan: %w", err)
	}

	path := s.planPath(plan.ProjectID, plan.Path, plan.Direction)

	tmp, err := os.CreateTemp(s.dir, "plan-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp plan file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing transfer plan: %w", err)
	}

	if err := tmp.Chmod(storeFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("setting plan file permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("closing temp plan file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("saving transfer plan: %w", err)
	}

	return nil
}

// Load returns the persisted plan for an object, or nil when none exists.
// A corrupt plan file is removed and treated as absent.
func (s *Store) Load(projectID uuid.UUID, objectPath string, direction Direction) (*Plan, error) {
	path := s.planPath(projectID, objectPath, direction)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading transfer plan: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		s.logger.Warn("discarding corrupt transfer plan",
			slog.String("file", path),
			slog.String("error", err.Error()),
		)
		os.Remove(path)

		return nil, nil
	}

	return &plan, nil
}

// Delete removes the persisted plan for an object. Missing files are not
// an error.
func (s *Store) Delete(projectID uuid.UUID, objectPath string, direction Direction) error {
	err := os.Remove(s.planPath(projectID, objectPath, direction))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting transfer plan: %w", err)
	}

	return nil
}

// planPath derives a stable filename from the transfer identity.
func (s *Store) planPath(projectID uuid.UUID, objectPath string, direction Direction) string {
	h := sha256.New()

	for _, part := range []string{projectID.String(), objectPath, string(direction)} {
		fmt.Fprintf(h, "%d:%s", len(part), part)
	}

	return filepath.Join(s.dir, hex.EncodeToString(h.Sum(nil)[:16])+".json")
}
