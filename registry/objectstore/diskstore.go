// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// DiskConfig configures the filesystem-backed object store.
type DiskConfig struct {
	Dir     string `help:"directory holding uploaded artifacts" default:"$CONFDIR/artifacts"`
	BaseURL string `help:"public base url objects are served under" default:"http://localhost:8080/artifacts"`
}

// DiskStore keeps objects as files under a root directory. Writes go to a
// temp file first and are renamed into place, so readers never observe a
// partial object.
type DiskStore struct {
	log     *zap.Logger
	dir     string
	baseURL string
}

// NewDiskStore creates a Store rooted at config.Dir.
func NewDiskStore(log *zap.Logger, config DiskConfig) (*DiskStore, error) {
	if config.Dir == "" {
		return nil, Error.New("disk store directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &DiskStore{
		log:     log,
		dir:     config.Dir,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
	}, nil
}

func (store *DiskStore) path(key string) (string, error) {
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", Error.New("invalid object key %q", key)
		}
	}
	return filepath.Join(store.dir, filepath.FromSlash(key)), nil
}

func (store *DiskStore) url(key string) string {
	return store.baseURL + "/" + key
}

// Put implements Store.
func (store *DiskStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Error.Wrap(err)
	}
	path, err := store.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return "", Error.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", Error.Wrap(err)
	}
	return store.url(key), nil
}

// Copy implements Store.
func (store *DiskStore) Copy(ctx context.Context, srcKey, dstKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Error.Wrap(err)
	}
	srcPath, err := store.path(srcKey)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound.New("%s", srcKey)
		}
		return "", Error.Wrap(err)
	}
	return store.Put(ctx, dstKey, data, "")
}

// Delete implements Store. Deleting a missing object is not an error.
func (store *DiskStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	path, err := store.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	// Empty team directories linger; harmless, cleaned opportunistically.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// Stat implements Store.
func (store *DiskStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, Error.Wrap(err)
	}
	path, err := store.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, ErrNotFound.New("%s", key)
		}
		return ObjectInfo{}, Error.Wrap(err)
	}
	return ObjectInfo{
		Key:  key,
		Size: info.Size(),
		URL:  store.url(key),
	}, nil
}

// List implements Store.
func (store *DiskStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	var keys []string
	walkErr := filepath.WalkDir(store.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(store.dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if walkErr != nil {
		return nil, Error.Wrap(walkErr)
	}
	sort.Strings(keys)
	return keys, nil
}
