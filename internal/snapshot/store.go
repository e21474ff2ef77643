// Package snapshot keeps labeled byte-for-byte copies of the workspace in a
// sibling backups directory and restores them on demand.
package snapshot

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lianues/buildcopy/internal/workspace"
)

// DirName is the snapshot container, a sibling directory of the workspace.
// Each snapshot is a subdirectory whose name is the label; the directory
// itself is the record, there is no index file.
const DirName = "backups"

// Store creates and restores workspace snapshots.
type Store struct {
	reader     *workspace.Reader
	backupsDir string
}

// NewStore creates a snapshot store for the reader's workspace.
func NewStore(reader *workspace.Reader) *Store {
	return &Store{
		reader:     reader,
		backupsDir: filepath.Join(filepath.Dir(reader.Root()), DirName),
	}
}

// Dir returns the backups directory path.
func (s *Store) Dir() string {
	return s.backupsDir
}

// CreateResult reports whether a snapshot was recorded.
type CreateResult struct {
	Created bool   `json:"created"`
	Label   string `json:"label,omitempty"`
}

// Create records a snapshot under label. When force is false and the
// tracked files are identical to the latest snapshot, nothing is written
// and Created is false.
func (s *Store) Create(label string, force bool) (CreateResult, error) {
	if label == "" || label != filepath.Base(label) {
		return CreateResult{}, fmt.Errorf("invalid snapshot label %q", label)
	}

	digest := s.reader.Read()

	if !force {
		latest, err := s.latestLabel()
		if err != nil {
			return CreateResult{}, err
		}
		if latest != "" {
			same, err := s.equalsSnapshot(digest, latest)
			if err != nil {
				return CreateResult{}, err
			}
			if same {
				log.Debug().Str("label", label).Str("latest", latest).Msg("Workspace unchanged, snapshot elided")
				return CreateResult{Created: false}, nil
			}
		}
	}

	dest := filepath.Join(s.backupsDir, label)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return CreateResult{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for _, f := range digest.Files {
		g.Go(func() error {
			target := filepath.Join(dest, filepath.FromSlash(f.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("snapshot %s: %w", f.Path, err)
			}
			if err := os.WriteFile(target, []byte(f.Text), 0o644); err != nil {
				return fmt.Errorf("snapshot %s: %w", f.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CreateResult{}, err
	}

	log.Info().Str("label", label).Int("files", len(digest.Files)).Msg("Snapshot created")
	return CreateResult{Created: true, Label: label}, nil
}

// Restore replaces the tracked workspace files with the contents of the
// named snapshot. Files outside the ignore scope are untouched. There is no
// transaction across the delete and copy phases; an I/O error can leave a
// partially-restored workspace and is reported to the caller.
func (s *Store) Restore(label string) error {
	src := filepath.Join(s.backupsDir, label)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return fmt.Errorf("snapshot %q not found", label)
	}

	// Phase 1: remove currently-tracked files.
	digest := s.reader.Read()
	for _, f := range digest.Files {
		path := filepath.Join(s.reader.Root(), filepath.FromSlash(f.Path))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", f.Path, err)
		}
	}

	// Phase 2: copy every snapshot file back.
	files, err := listSnapshotFiles(src)
	if err != nil {
		return err
	}
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("read snapshot file %s: %w", rel, err)
		}
		target := filepath.Join(s.reader.Root(), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}

	log.Info().Str("label", label).Int("files", len(files)).Msg("Snapshot restored")
	return nil
}

// List returns all snapshot labels, oldest first. Labels are
// timestamp-prefixed, so lexical order is creation order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	labels := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			labels = append(labels, e.Name())
		}
	}
	sort.Strings(labels)
	return labels, nil
}

// latestLabel returns the newest snapshot label, or "" when none exist.
func (s *Store) latestLabel() (string, error) {
	labels, err := s.List()
	if err != nil || len(labels) == 0 {
		return "", err
	}
	return labels[len(labels)-1], nil
}

// equalsSnapshot compares the current digest against a stored snapshot:
// sorted path lists first, then per-file content hashes.
func (s *Store) equalsSnapshot(digest *workspace.Digest, label string) (bool, error) {
	src := filepath.Join(s.backupsDir, label)
	stored, err := listSnapshotFiles(src)
	if err != nil {
		return false, err
	}

	current := make([]string, len(digest.IncludedFiles))
	copy(current, digest.IncludedFiles)
	sort.Strings(current)
	sort.Strings(stored)
	if len(current) != len(stored) {
		return false, nil
	}
	for i := range current {
		if current[i] != stored[i] {
			return false, nil
		}
	}

	for _, f := range digest.Files {
		data, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(f.Path)))
		if err != nil {
			return false, fmt.Errorf("read snapshot file %s: %w", f.Path, err)
		}
		if xxhash.Sum64String(f.Text) != xxhash.Sum64(data) {
			return false, nil
		}
	}
	return true, nil
}

// listSnapshotFiles walks a snapshot directory collecting relative paths.
func listSnapshotFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk snapshot %s: %w", dir, err)
	}
	return files, nil
}
