package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FS is the sharded local-filesystem back-end. Writes go to a temp file in
// the same directory followed by a rename, so a partial write is never
// observable as a complete object.
type FS struct {
	root string
}

// NewFS creates the store rooted at dir.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	return &FS{root: dir}, nil
}

func (s *FS) Put(_ context.Context, data []byte, kind string) (Ref, error) {
	hash := HashBytes(data)
	path := filepath.Join(s.root, hash[:2], hash)

	ref := Ref{
		SHA256: hash,
		Kind:   kind,
		URI:    "file://" + path,
		Size:   int64(len(data)),
	}

	if info, err := os.Stat(path); err == nil {
		// Deduplicated: the object already exists and is never rewritten.
		ref.CreatedAt = info.ModTime().UTC()
		return ref, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("artifact: create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+hash+".tmp-*")
	if err != nil {
		return Ref{}, fmt.Errorf("artifact: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("artifact: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("artifact: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("artifact: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("artifact: rename into place: %w", err)
	}

	ref.CreatedAt = time.Now().UTC()
	return ref, nil
}

func (s *FS) Get(_ context.Context, hash string) ([]byte, error) {
	if len(hash) < 2 {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, hash[:2], hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: read %s: %w", hash, err)
	}
	return data, nil
}

func (s *FS) Exists(_ context.Context, hash string) (bool, error) {
	if len(hash) < 2 {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(s.root, hash[:2], hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifact: stat %s: %w", hash, err)
}
