// Package gateway is the only way the store touches the live file system. Paths
// are slash separated and relative to the tracked root.
package gateway

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/spf13/afero"
)

var ErrNotExist = fs.ErrNotExist

// FileInfo describes a live file or directory.
type FileInfo struct {
	Name       string
	IsDir      bool
	ModTime    int64 // Unix milliseconds
	Size       int64
	ReadOnly   bool
	Executable bool
}

// Gateway reads and writes the live tree.
type Gateway interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte, ts int64) error
	Stat(path string) (FileInfo, error)
	// List returns the children of a directory sorted by name.
	List(path string) ([]FileInfo, error)
	// IsWritable reports whether the file at path may be overwritten or removed.
	// A missing file is writable.
	IsWritable(path string) (bool, error)
	Mkdir(path string, ts int64) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
}

// Afero implements Gateway on an afero file system.
type Afero struct {
	fs afero.Fs
}

// NewAfero wraps fsys. A non-empty root confines every path below it.
func NewAfero(fsys afero.Fs, root string) *Afero {
	if root != "" {
		fsys = afero.NewBasePathFs(fsys, root)
	}
	return &Afero{fs: fsys}
}

// NewOS returns a Gateway over the operating system tree rooted at root.
func NewOS(root string) *Afero {
	return NewAfero(afero.NewOsFs(), root)
}

func (a *Afero) Fs() afero.Fs {
	return a.fs
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func (a *Afero) Read(p string) ([]byte, error) {
	data, err := afero.ReadFile(a.fs, clean(p))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func (a *Afero) Write(p string, data []byte, ts int64) error {
	name := clean(p)
	mode := os.FileMode(0644)
	if info, err := a.fs.Stat(name); err == nil {
		mode = info.Mode().Perm()
	}
	if err := afero.WriteFile(a.fs, name, data, mode); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return a.touch(name, ts)
}

func (a *Afero) touch(name string, ts int64) error {
	if ts <= 0 {
		return nil
	}
	t := time.UnixMilli(ts)
	if err := a.fs.Chtimes(name, t, t); err != nil {
		return fmt.Errorf("setting times of %s: %w", name, err)
	}
	return nil
}

func (a *Afero) Stat(p string) (FileInfo, error) {
	info, err := a.fs.Stat(clean(p))
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return toFileInfo(info), nil
}

func (a *Afero) List(p string) ([]FileInfo, error) {
	infos, err := afero.ReadDir(a.fs, clean(p))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", p, err)
	}
	out := make([]FileInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, toFileInfo(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *Afero) IsWritable(p string) (bool, error) {
	info, err := a.fs.Stat(clean(p))
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		return true, nil
	}
	return info.Mode().Perm()&0200 != 0, nil
}

func (a *Afero) Mkdir(p string, ts int64) error {
	name := clean(p)
	if err := a.fs.MkdirAll(name, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", p, err)
	}
	return a.touch(name, ts)
}

func (a *Afero) Remove(p string) error {
	if err := a.fs.RemoveAll(clean(p)); err != nil {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	return nil
}

func (a *Afero) Rename(oldPath, newPath string) error {
	if err := a.fs.Rename(clean(oldPath), clean(newPath)); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

func toFileInfo(info fs.FileInfo) FileInfo {
	perm := info.Mode().Perm()
	return FileInfo{
		Name:       info.Name(),
		IsDir:      info.IsDir(),
		ModTime:    info.ModTime().UnixMilli(),
		Size:       info.Size(),
		ReadOnly:   !info.IsDir() && perm&0200 == 0,
		Executable: !info.IsDir() && perm&0100 != 0,
	}
}
