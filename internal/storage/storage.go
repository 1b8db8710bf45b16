// Package storage keeps job result files.
package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
)

// ErrNotFound is returned for keys without a stored object.
var ErrNotFound = errors.New("result not found")

// ResultStore persists finished job output. Keys are slash separated
// relative paths such as "exports/<job>.csv".
type ResultStore interface {
	// Put stores the content of r under key and returns the location
	// recorded on the job.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	// Open returns the content stored under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Linker is implemented by stores that can hand out direct download links.
type Linker interface {
	Link(ctx context.Context, key string) (string, error)
}

// ContentType guesses the MIME type of key from its extension.
func ContentType(key string) string {
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func cleanKey(key string) (string, error) {
	key = path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("empty result key")
	}
	return key, nil
}
