// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package objectstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/icctcup/registry/registry/objectstore"
)

func newDiskStore(t *testing.T) *objectstore.DiskStore {
	store, err := objectstore.NewDiskStore(zaptest.NewLogger(t), objectstore.DiskConfig{
		Dir:     t.TempDir(),
		BaseURL: "http://localhost:8080/artifacts/",
	})
	require.NoError(t, err)
	return store
}

func TestDiskStorePutStat(t *testing.T) {
	ctx := context.Background()
	store := newDiskStore(t)

	url, err := store.Put(ctx, "pending/ICCT-001/pastor_letter.pdf", []byte("%PDF-"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/artifacts/pending/ICCT-001/pastor_letter.pdf", url)

	info, err := store.Stat(ctx, "pending/ICCT-001/pastor_letter.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, url, info.URL)

	_, err = store.Stat(ctx, "pending/ICCT-001/missing.pdf")
	require.True(t, objectstore.ErrNotFound.Has(err))
}

func TestDiskStoreCopyDelete(t *testing.T) {
	ctx := context.Background()
	store := newDiskStore(t)

	_, err := store.Put(ctx, "pending/ICCT-001/group_photo.png", []byte("png"), "image/png")
	require.NoError(t, err)

	url, err := store.Copy(ctx, "pending/ICCT-001/group_photo.png", "confirmed/ICCT-001/group_photo.png")
	require.NoError(t, err)
	assert.Contains(t, url, "confirmed/ICCT-001/group_photo.png")

	require.NoError(t, store.Delete(ctx, "pending/ICCT-001/group_photo.png"))
	// deleting again is not an error
	require.NoError(t, store.Delete(ctx, "pending/ICCT-001/group_photo.png"))

	_, err = store.Copy(ctx, "pending/ICCT-001/group_photo.png", "elsewhere/x.png")
	require.True(t, objectstore.ErrNotFound.Has(err))
}

func TestDiskStoreList(t *testing.T) {
	ctx := context.Background()
	store := newDiskStore(t)

	for _, key := range []string{
		"pending/ICCT-001/pastor_letter.pdf",
		"pending/ICCT-001/ICCT-001-P01_aadhar.pdf",
		"pending/ICCT-002/pastor_letter.pdf",
		"confirmed/ICCT-003/group_photo.png",
	} {
		_, err := store.Put(ctx, key, []byte("x"), "")
		require.NoError(t, err)
	}

	keys, err := store.List(ctx, "pending/ICCT-001/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pending/ICCT-001/ICCT-001-P01_aadhar.pdf",
		"pending/ICCT-001/pastor_letter.pdf",
	}, keys)
}

func TestDiskStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store := newDiskStore(t)

	_, err := store.Put(ctx, "../escape.pdf", []byte("x"), "")
	require.Error(t, err)
	_, err = store.Put(ctx, "pending//double.pdf", []byte("x"), "")
	require.Error(t, err)
}
