// Package mirror exposes cached entities as JSON files on disk, one file
// per entity instance under <root>/<table>/. Edits to the files are fed
// into sync sessions; adopted remote versions are written back.
package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/timesync/internal/cache"
	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/resolve"
	"github.com/alexjbarnes/timesync/internal/tables"
)

const (
	mirrorDirPerm  = fs.FileMode(0o700)
	mirrorFilePerm = fs.FileMode(0o600)

	// fileExt is the only extension treated as an entity file.
	fileExt = ".json"

	// tempPrefix marks in-flight atomic writes, ignored by the watcher.
	tempPrefix = ".timesync-write-"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Entity is one entity file.
type Entity struct {
	Ref     tables.EntityRef
	Path    string // slash-separated, relative to the mirror root
	Data    json.RawMessage
	ModTime time.Time
}

// Subscriber delivers cache changes for one entity.
type Subscriber interface {
	Subscribe(ref tables.EntityRef) (<-chan cache.Change, func())
}

// Mirror is a directory of entity files.
type Mirror struct {
	root   string
	logger *slog.Logger

	mu sync.Mutex
	// hashes holds the content hash last read or written per path, so a
	// watcher event caused by our own write is not fed back as an edit.
	hashes map[string]string
	// paths maps an entity to the file it was found in.
	paths map[string]string
}

// New opens the mirror at root, creating the directory if needed.
func New(root string, logger *slog.Logger) (*Mirror, error) {
	if root == "" {
		return nil, fmt.Errorf("mirror path must not be empty")
	}

	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving mirror path: %w", err)
	}

	if err := os.MkdirAll(abs, mirrorDirPerm); err != nil {
		return nil, fmt.Errorf("creating mirror dir: %w", err)
	}

	// Resolve symlinks on the root itself so escape checks compare like
	// with like.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}

	return &Mirror{
		root:   abs,
		logger: logger,
		hashes: make(map[string]string),
		paths:  make(map[string]string),
	}, nil
}

// Root returns the absolute mirror directory.
func (m *Mirror) Root() string {
	return m.root
}

// Scan reads every entity file under the root. Files that cannot be
// parsed are logged and skipped.
func (m *Mirror) Scan() ([]Entity, error) {
	var out []Entity

	for _, spec := range tables.All() {
		dir := filepath.Join(m.root, string(spec.Name))

		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("reading %s: %w", spec.Name, err)
		}

		for _, de := range entries {
			if de.IsDir() || ignoredName(de.Name()) {
				continue
			}

			e, err := m.Read(string(spec.Name) + "/" + de.Name())
			if err != nil {
				m.logger.Warn("skipping entity file",
					slog.String("path", string(spec.Name)+"/"+de.Name()),
					slog.String("error", err.Error()),
				)

				continue
			}

			m.Changed(e.Path, e.Data)
			out = append(out, e)
		}
	}

	return out, nil
}

// Read parses the entity file at relPath. The entity key comes from the
// file contents, not its name.
func (m *Mirror) Read(relPath string) (Entity, error) {
	table, err := tableOf(relPath)
	if err != nil {
		return Entity{}, err
	}

	abs, err := m.resolve(relPath)
	if err != nil {
		return Entity{}, err
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return Entity{}, err
	}

	if !info.Mode().IsRegular() {
		return Entity{}, fmt.Errorf("%w: %s", errors.ErrNotEntityFile, relPath)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return Entity{}, err
	}

	row, err := tables.DecodeRow(data)
	if err != nil {
		return Entity{}, fmt.Errorf("%w: %s: %w", errors.ErrNotEntityFile, relPath, err)
	}

	ref, err := tables.RefOf(table, row)
	if err != nil {
		return Entity{}, err
	}

	m.mu.Lock()
	m.paths[ref.String()] = relPath
	m.mu.Unlock()

	return Entity{Ref: ref, Path: relPath, Data: data, ModTime: info.ModTime()}, nil
}

// Changed records data as the latest content of relPath and reports
// whether it differs from what was last read or written there.
func (m *Mirror) Changed(relPath string, data []byte) bool {
	h := contentHash(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hashes[relPath] == h {
		return false
	}

	m.hashes[relPath] = h

	return true
}

// Forget drops what is known about relPath after the file is removed.
func (m *Mirror) Forget(relPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.hashes, relPath)

	for ref, p := range m.paths {
		if p == relPath {
			delete(m.paths, ref)
		}
	}
}

// PathOf returns the file for ref: the one it was read from, or a name
// derived from its key.
func (m *Mirror) PathOf(ref tables.EntityRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.paths[ref.String()]; ok {
		return p
	}

	name := unsafeNameChars.ReplaceAllString(strings.Join(ref.Key, "_"), "-")
	if name == "" || strings.HasPrefix(name, ".") {
		name = "entity" + name
	}

	return string(ref.Table) + "/" + name + fileExt
}

// Write stores data as the file for ref. A file that already holds the
// same JSON value is left untouched, keeping the user's formatting.
// Reports whether the file changed.
func (m *Mirror) Write(ref tables.EntityRef, data json.RawMessage) (bool, error) {
	relPath := m.PathOf(ref)

	abs, err := m.resolve(relPath)
	if err != nil {
		return false, err
	}

	if existing, err := os.ReadFile(abs); err == nil && resolve.Equal(existing, data) {
		m.Changed(relPath, existing)
		return false, nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return false, fmt.Errorf("formatting %s: %w", ref, err)
	}

	buf.WriteByte('\n')

	if err := writeAtomic(abs, buf.Bytes()); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.hashes[relPath] = contentHash(buf.Bytes())
	m.paths[ref.String()] = relPath
	m.mu.Unlock()

	return true, nil
}

// Follow writes every cached version of ref to disk until ctx is done or
// the subscription ends.
func (m *Mirror) Follow(ctx context.Context, sub Subscriber, ref tables.EntityRef) error {
	ch, cancel := sub.Subscribe(ref)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return nil
			}

			if c.Removed {
				continue
			}

			changed, err := m.Write(ref, c.Entry.Data)
			if err != nil {
				m.logger.Warn("writing entity file",
					slog.String("entity", ref.String()),
					slog.String("error", err.Error()),
				)

				continue
			}

			if changed {
				m.logger.Debug("entity file updated", slog.String("entity", ref.String()))
			}
		}
	}
}

// tableOf checks that relPath names a file directly inside a table
// directory and returns the table.
func tableOf(relPath string) (tables.Name, error) {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) != 2 || ignoredName(parts[1]) {
		return "", fmt.Errorf("%w: %s", errors.ErrNotEntityFile, relPath)
	}

	table := tables.Name(parts[0])
	if _, ok := tables.Lookup(table); !ok {
		return "", fmt.Errorf("%w: %q", errors.ErrUnknownTable, parts[0])
	}

	return table, nil
}

// resolve converts a mirror-relative path to an absolute one, refusing
// paths that leave the root directly or through a symlink.
func (m *Mirror) resolve(relPath string) (string, error) {
	if strings.Contains(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %s", errors.ErrPathNotAllowed, relPath)
	}

	abs := filepath.Join(m.root, filepath.FromSlash(relPath))
	if !within(m.root, abs) {
		return "", fmt.Errorf("%w: escapes mirror root: %s", errors.ErrPathNotAllowed, relPath)
	}

	real, err := evalExistingPrefix(abs)
	if err != nil {
		return "", fmt.Errorf("evaluating path: %w", err)
	}

	if !within(m.root, real) {
		return "", fmt.Errorf("%w: escapes mirror root via symlink: %s", errors.ErrPathNotAllowed, relPath)
	}

	return abs, nil
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// evalExistingPrefix resolves symlinks for the longest existing prefix of
// abs, so paths that do not exist yet can still be checked.
func evalExistingPrefix(abs string) (string, error) {
	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return real, nil
	}

	dir, base := filepath.Dir(abs), filepath.Base(abs)
	if dir == abs {
		return abs, nil
	}

	parent, err := evalExistingPrefix(dir)
	if err != nil {
		return "", err
	}

	return filepath.Join(parent, base), nil
}

func writeAtomic(abs string, data []byte) error {
	dir := filepath.Dir(abs)

	if err := os.MkdirAll(dir, mirrorDirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Chmod(mirrorFilePerm); err != nil {
		tmp.Close()
		os.Remove(name)

		return fmt.Errorf("setting permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(name, abs); err != nil {
		os.Remove(name)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
