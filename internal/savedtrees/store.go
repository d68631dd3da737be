// Package savedtrees keeps one canonical JSON document per saved tree.
package savedtrees

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dillproject/dill/internal/trees"
)

const fileExt = ".json"

var (
	ErrNotFound    = errors.New("saved tree not found")
	ErrInvalidName = errors.New("invalid saved tree name")
)

type Store struct {
	dir string
}

// Open prepares dir for use, creating it if needed.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("open saved tree store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create saved tree dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file backing name.
func (s *Store) Path(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name+fileExt), nil
}

// Save writes tree under name, replacing any previous copy.
func (s *Store) Save(name string, tree trees.DebugTree) error {
	data, err := trees.MarshalSaved(tree)
	if err != nil {
		return err
	}
	return s.WriteRaw(name, data)
}

// WriteRaw stores an already encoded document. The file is replaced
// atomically so a concurrent Load never sees a partial write.
func (s *Store) WriteRaw(name string, data []byte) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("write saved tree %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("close saved tree %q: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("rename saved tree %q: %w", name, err)
	}
	return nil
}

// Load reads and decodes the tree saved under name.
func (s *Store) Load(name string) (trees.DebugTree, error) {
	data, err := s.ReadRaw(name)
	if err != nil {
		return trees.DebugTree{}, err
	}
	tree, _, err := trees.ParseSaved(data)
	if err != nil {
		return trees.DebugTree{}, fmt.Errorf("load saved tree %q: %w", name, err)
	}
	return tree, nil
}

func (s *Store) ReadRaw(name string) ([]byte, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read saved tree %q: %w", name, err)
	}
	return data, nil
}

func (s *Store) Remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("remove saved tree %q: %w", name, err)
	}
	return nil
}

// Names lists the saved trees on disk in lexical order.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list saved trees: %w", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(n, fileExt))
	}
	return names, nil
}

// Clean removes every saved tree and recreates the empty directory.
func (s *Store) Clean() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove saved tree dir: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("recreate saved tree dir: %w", err)
	}
	return nil
}

// CopyTo copies the document saved under name into destDir as name.json and
// returns the destination path.
func (s *Store) CopyTo(name, destDir string) (string, error) {
	src, err := s.Path(name)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("open saved tree %q: %w", name, err)
	}
	defer in.Close() //nolint:errcheck

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	dest := filepath.Join(destDir, name+fileExt)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create download %q: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return "", fmt.Errorf("copy saved tree %q: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close download %q: %w", dest, err)
	}
	return dest, nil
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidName, name)
	}
	return nil
}
