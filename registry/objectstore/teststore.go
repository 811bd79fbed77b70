// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// TestStore is an in-memory Store for tests and local development.
type TestStore struct {
	mu      sync.Mutex
	objects map[string]testObject

	// PutError, when set, is returned by Put for keys matching the
	// substring, letting tests simulate terminal upload failures.
	PutError     error
	PutErrorKeys string

	// FailFirstPuts makes the first N Put calls fail with PutError,
	// simulating transient outages that retries should absorb.
	FailFirstPuts int

	putCalls int
}

type testObject struct {
	data        []byte
	contentType string
}

// NewTestStore creates an empty in-memory store.
func NewTestStore() *TestStore {
	return &TestStore{objects: map[string]testObject{}}
}

func (store *TestStore) url(key string) string {
	return "https://objects.test/" + key
}

// Put implements Store.
func (store *TestStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	store.putCalls++
	if store.PutError != nil {
		if store.FailFirstPuts >= store.putCalls {
			return "", store.PutError
		}
		if store.FailFirstPuts == 0 && (store.PutErrorKeys == "" || strings.Contains(key, store.PutErrorKeys)) {
			return "", store.PutError
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	store.objects[key] = testObject{data: buf, contentType: contentType}
	return store.url(key), nil
}

// Copy implements Store.
func (store *TestStore) Copy(ctx context.Context, srcKey, dstKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	obj, ok := store.objects[srcKey]
	if !ok {
		return "", ErrNotFound.New("%s", srcKey)
	}
	store.objects[dstKey] = obj
	return store.url(dstKey), nil
}

// Delete implements Store.
func (store *TestStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.objects, key)
	return nil
}

// Stat implements Store.
func (store *TestStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	obj, ok := store.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound.New("%s", key)
	}
	return ObjectInfo{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		URL:         store.url(key),
	}, nil
}

// List implements Store.
func (store *TestStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	var keys []string
	for key := range store.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns how many objects the store holds.
func (store *TestStore) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.objects)
}

// Keys returns every stored key, sorted.
func (store *TestStore) Keys() []string {
	keys, _ := store.List(context.Background(), "")
	return keys
}
