package rotation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/credvault"
)

// ErrBackupNotFound is returned by BackupStore.Get for an unknown name.
var ErrBackupNotFound = fmt.Errorf("%w: backup", credvault.ErrNotFound)

// Backup is the copy of a secret taken before it was overwritten. When the
// orchestrator has a Sealer, Data is empty and Sealed holds the encrypted
// JSON of the values.
type Backup struct {
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Field     string            `json:"field,omitempty"`
	Version   int               `json:"version"`
	Data      map[string]string `json:"data,omitempty"`
	Sealed    string            `json:"sealed,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// BackupStore keeps serialized backups by name.
type BackupStore interface {
	Put(ctx context.Context, name string, body []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns backup names in lexical order, which is chronological
	// per secret.
	List(ctx context.Context) ([]string, error)
}

// backupName is {path with / as _}-{UTC timestamp}-{random}.json, so
// lexical order is chronological per secret.
func backupName(path string, at time.Time) string {
	slug := strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
	return fmt.Sprintf("%s-%s-%s.json", slug, at.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// validName rejects names that would escape the backup directory.
func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return credvault.NewValidationError("backup", fmt.Sprintf("invalid backup name %q", name))
	}
	return nil
}

// FileBackupStore writes one JSON file per backup into a directory that only
// the current user can read.
type FileBackupStore struct {
	dir string
}

func NewFileBackupStore(dir string) *FileBackupStore {
	return &FileBackupStore{dir: dir}
}

func (s *FileBackupStore) Dir() string {
	return s.dir
}

// Put writes to a temporary file and renames it so a crash never leaves a
// truncated backup behind.
func (s *FileBackupStore) Put(ctx context.Context, name string, body []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create backup directory '%s': %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict backup file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close backup file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to store backup '%s': %w", name, err)
	}
	return nil
}

func (s *FileBackupStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup '%s': %w", name, err)
	}
	return body, nil
}

func (s *FileBackupStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups in '%s': %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
