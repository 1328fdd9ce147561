package fs

import (
	"context"
)

// Forwarded operation names.
const (
	MethodReadDir  = "fs/readDir"
	MethodReadFile = "fs/readFile"
)

// Methods lists every forwarded operation.
var Methods = []string{MethodReadDir, MethodReadFile}

// Kind classifies a directory entry.
type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
)

// FileInfo describes one directory entry. ModifiedTime is in Unix seconds.
type FileInfo struct {
	Name         string `json:"name"`
	Kind         Kind   `json:"kind"`
	Size         int64  `json:"size"`
	ModifiedTime int64  `json:"modifiedTime"`
}

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool {
	return fi.Kind == KindDir
}

// Provider serves the forwarded file operations.
type Provider interface {
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
	ReadFile(ctx context.Context, path string) (string, error)
}
