package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"path"
	"strings"
)

// FromFS serves files from fsys. Client paths are slash separated and may be
// absolute; "/a/b" and "a/b" both name fsys entry "a/b".
func FromFS(fsys iofs.FS) Provider {
	return fsysProvider{fsys: fsys}
}

type fsysProvider struct {
	fsys iofs.FS
}

func (p fsysProvider) ReadDir(_ context.Context, name string) ([]FileInfo, error) {
	rel := fsPath(name)
	info, err := iofs.Stat(p.fsys, rel)
	if err != nil {
		return nil, mapError(name, err)
	}
	if !info.IsDir() {
		// Listing is only defined for directories.
		return nil, NotFound(name)
	}
	dirEntries, err := iofs.ReadDir(p.fsys, rel)
	if err != nil {
		return nil, mapError(name, err)
	}

	entries := make([]FileInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		entries = append(entries, FileInfo{
			Name:         de.Name(),
			Kind:         kindOf(info.Mode()),
			Size:         info.Size(),
			ModifiedTime: info.ModTime().Unix(),
		})
	}
	return entries, nil
}

func (p fsysProvider) ReadFile(_ context.Context, name string) (string, error) {
	rel := fsPath(name)
	info, err := iofs.Stat(p.fsys, rel)
	if err != nil {
		return "", mapError(name, err)
	}
	if !info.Mode().IsRegular() {
		return "", NotAFile(name)
	}
	data, err := iofs.ReadFile(p.fsys, rel)
	if err != nil {
		return "", mapError(name, err)
	}
	return string(data), nil
}

func fsPath(name string) string {
	rel := strings.TrimPrefix(path.Clean("/"+name), "/")
	if rel == "" {
		return "."
	}
	return rel
}

func kindOf(mode iofs.FileMode) Kind {
	switch {
	case mode.IsDir():
		return KindDir
	case mode&iofs.ModeSymlink != 0:
		return KindSymlink
	default:
		return KindFile
	}
}

func mapError(name string, err error) error {
	switch {
	case errors.Is(err, iofs.ErrNotExist), errors.Is(err, iofs.ErrInvalid):
		return NotFound(name)
	case errors.Is(err, iofs.ErrPermission):
		return PermissionDenied(name)
	default:
		return fmt.Errorf("read %s: %w", name, err)
	}
}
