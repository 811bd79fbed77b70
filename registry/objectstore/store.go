// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package objectstore defines the external object store interface and the
// artifact uploader built on top of it.
package objectstore

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is the default error class for the objectstore package.
var Error = errs.Class("objectstore")

// ErrNotFound is returned when a referenced object does not exist.
var ErrNotFound = errs.Class("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	URL         string
}

// Store is the object storage a deployment plugs in. Implementations wrap an
// external SDK; keys are slash-separated paths.
type Store interface {
	// Put writes data under key and returns the public URL of the object.
	Put(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
	// Copy duplicates the object at srcKey to dstKey and returns the new URL.
	Copy(ctx context.Context, srcKey, dstKey string) (url string, err error)
	// Delete removes the object at key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// Stat returns metadata for the object at key, or ErrNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
