// Package backup discovers, merges, restores and creates snapshot files.
package backup

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/timesync/internal/errors"
)

const (
	// backupDirPerm is the permission mode for the local backup directory.
	backupDirPerm = fs.FileMode(0o700)

	// backupFilePerm is the permission mode for snapshot files. Snapshots
	// may be plaintext, so they are owner-only.
	backupFilePerm = fs.FileMode(0o600)
)

// Object describes one stored snapshot file.
type Object struct {
	Name    string
	ModTime time.Time
	Size    int64
}

// Source is a flat namespace of snapshot files.
type Source interface {
	List(ctx context.Context) ([]Object, error)

	// Read returns the file contents. Missing files yield an error
	// wrapping errors.ErrSnapshotNotFound.
	Read(ctx context.Context, name string) ([]byte, error)

	Write(ctx context.Context, name string, data []byte) error
}

// DirSource stores snapshots as files in a local directory.
type DirSource struct {
	dir string
}

// NewDirSource returns a source rooted at dir, creating it if needed.
func NewDirSource(dir string) (*DirSource, error) {
	if dir == "" {
		return nil, fmt.Errorf("backup directory must not be empty")
	}

	if err := os.MkdirAll(dir, backupDirPerm); err != nil {
		return nil, fmt.Errorf("creating backup directory %s: %w", dir, err)
	}

	return &DirSource{dir: dir}, nil
}

func (d *DirSource) String() string {
	return d.dir
}

// path maps a snapshot name to a file in the directory. Names are flat.
func (d *DirSource) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("invalid snapshot name %q", name)
	}

	return filepath.Join(d.dir, name), nil
}

// List implements Source. Subdirectories and hidden files are ignored.
func (d *DirSource) List(_ context.Context) ([]Object, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.dir, err)
	}

	var objs []Object

	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		objs = append(objs, Object{Name: e.Name(), ModTime: info.ModTime(), Size: info.Size()})
	}

	sort.Slice(objs, func(i, j int) bool { return objs[i].Name < objs[j].Name })

	return objs, nil
}

// Read implements Source.
func (d *DirSource) Read(_ context.Context, name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // G304: p is a flat name inside the backup dir
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errors.ErrSnapshotNotFound, name)
	}

	return data, err
}

// Write implements Source. The file appears atomically under its final
// name, and an existing file is never replaced.
func (d *DirSource) Write(_ context.Context, name string, data []byte) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.dir, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}

	if err := tmp.Chmod(backupFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}

	// Link fails when p exists, unlike Rename.
	if err := os.Link(tmpName, p); err != nil {
		if stderrors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", errors.ErrSnapshotExists, name)
		}

		return fmt.Errorf("publishing %s: %w", name, err)
	}

	return nil
}
