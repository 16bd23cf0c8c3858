// Package storage implements the fabric's file-system-shaped surface:
// the Provider interface the supervisor's filesystem tool handlers call
// into, and one default filesystem-backed implementation.
//
// There is no literal OPFS/IndexedDB-backed filesystem in a server-side
// Go port; Provider generalizes a browser document's origin-private
// storage to a rooted directory on disk, with the same path-validation
// boundary the browser sandbox enforces.
package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/meshrun/meshd/internal/model"
)

// maxPathLength bounds a path the same way the browser-side sandbox
// does: long enough for any real file tree, short enough to reject
// pathological input before it reaches the filesystem.
const maxPathLength = 512

// Provider is the storage surface a sandbox document exposes to its
// workers: read/write/delete a file, make a directory, list one.
// Every method validates its path argument before touching disk.
type Provider interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	DeleteFile(path string) error
	Mkdir(path string) error
	ListDir(path string) ([]DirEntry, error)
}

// DirEntry is one entry returned by ListDir.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// ValidatePath enforces the fabric-wide path rules: non-empty, no NUL
// byte, at most maxPathLength bytes, and at least one path segment —
// except for directory operations, where "", ".", "/", "./", and
// "root" all denote the storage root.
func ValidatePath(path string, forDirOp bool) error {
	if forDirOp && isRootAlias(path) {
		return nil
	}
	if path == "" {
		return model.NewError(model.ErrConfig, "storage: path must not be empty")
	}
	if strings.ContainsRune(path, 0) {
		return model.NewError(model.ErrConfig, "storage: path must not contain a NUL byte")
	}
	if len(path) > maxPathLength {
		return model.NewErrorf(model.ErrConfig, "storage: path exceeds %d bytes", maxPathLength)
	}
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	if len(segments) == 0 {
		return model.NewError(model.ErrConfig, "storage: path must have at least one segment")
	}
	named := false
	for _, seg := range segments {
		if seg == ".." {
			return model.NewError(model.ErrConfig, "storage: path must not contain '..'")
		}
		if seg != "." {
			named = true
		}
	}
	if !named {
		return model.NewError(model.ErrConfig, "storage: path must have at least one segment")
	}
	return nil
}

func isRootAlias(path string) bool {
	switch path {
	case "", ".", "/", "./", "root":
		return true
	}
	return false
}

// FilesystemProvider is the default Provider, rooted at one directory
// on disk. Every path is resolved relative to that root and cannot
// escape it — ValidatePath rejects ".." segments before Clean ever
// runs, and the root itself is created on construction.
type FilesystemProvider struct {
	root string
}

// NewFilesystemProvider roots a Provider at dir, creating it if needed.
func NewFilesystemProvider(dir string) (*FilesystemProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.NewErrorf(model.ErrInternal, "storage: creating root %s", dir).WithWrapped(err)
	}
	return &FilesystemProvider{root: dir}, nil
}

func (p *FilesystemProvider) resolve(path string, forDirOp bool) (string, error) {
	if err := ValidatePath(path, forDirOp); err != nil {
		return "", err
	}
	if isRootAlias(path) {
		return p.root, nil
	}
	return filepath.Join(p.root, filepath.Clean("/"+path)), nil
}

// ReadFile reads the file at path, relative to the provider's root.
func (p *FilesystemProvider) ReadFile(path string) ([]byte, error) {
	full, err := p.resolve(path, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewErrorf(model.ErrConfig, "storage: %s does not exist", path)
		}
		return nil, model.NewErrorf(model.ErrInternal, "storage: reading %s", path).WithWrapped(err)
	}
	return data, nil
}

// WriteFile writes data to path, creating parent directories as
// needed. os.WriteFile at 0o644, no atomic rename — good enough for
// this scope.
func (p *FilesystemProvider) WriteFile(path string, data []byte) error {
	full, err := p.resolve(path, false)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return model.NewErrorf(model.ErrInternal, "storage: creating parent dirs for %s", path).WithWrapped(err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return model.NewErrorf(model.ErrInternal, "storage: writing %s", path).WithWrapped(err)
	}
	return nil
}

// DeleteFile removes the file at path. Deleting a file that does not
// exist is not an error — the caller only cares that it's gone.
func (p *FilesystemProvider) DeleteFile(path string) error {
	full, err := p.resolve(path, false)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return model.NewErrorf(model.ErrInternal, "storage: deleting %s", path).WithWrapped(err)
	}
	return nil
}

// Mkdir creates path (and any missing parents) as a directory.
func (p *FilesystemProvider) Mkdir(path string) error {
	full, err := p.resolve(path, true)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return model.NewErrorf(model.ErrInternal, "storage: creating directory %s", path).WithWrapped(err)
	}
	return nil
}

// ListDir lists the immediate children of path, sorted by name.
func (p *FilesystemProvider) ListDir(path string) ([]DirEntry, error) {
	full, err := p.resolve(path, true)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewErrorf(model.ErrConfig, "storage: %s does not exist", path)
		}
		return nil, model.NewErrorf(model.ErrInternal, "storage: listing %s", path).WithWrapped(err)
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
