// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package objectstore

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/icctcup/registry/internal/retry"
)

var mon = monkit.Package()

// ErrUpload is returned when uploading a submission's artifacts fails.
var ErrUpload = errs.Class("upload")

// ErrMove is returned when moving artifacts between namespaces fails.
var ErrMove = errs.Class("move")

// UploaderConfig configures the artifact uploader.
type UploaderConfig struct {
	Concurrency int                 `help:"maximum parallel uploads per submission" default:"5"`
	Retry       retry.Policy        `help:"retry envelope for a single upload"`
	Breaker     retry.BreakerConfig `help:"circuit breaker for the object store"`
}

// Uploader writes decoded artifacts to the object store under namespaced
// keys and supports moving them between namespaces.
//
// architecture: Service
type Uploader struct {
	log     *zap.Logger
	store   Store
	breaker *retry.Breaker

	concurrency int
	policy      retry.Policy
}

// NewUploader creates an Uploader on top of store.
func NewUploader(log *zap.Logger, store Store, config UploaderConfig) *Uploader {
	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 5
	}
	policy := config.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}
	return &Uploader{
		log:         log,
		store:       store,
		breaker:     retry.NewBreaker(config.Breaker),
		concurrency: concurrency,
		policy:      policy,
	}
}

// UploadPending uploads all artifacts under pending/<teamID>/ and returns a
// map from artifact id to remote URL. On failure the caller is responsible
// for compensation via DeleteAll.
func (uploader *Uploader) UploadPending(ctx context.Context, teamID string, artifacts []Artifact) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	urls := make([]string, len(artifacts))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uploader.concurrency)
	for i, artifact := range artifacts {
		i, artifact := i, artifact
		group.Go(func() error {
			url, err := uploader.putWithRetry(groupCtx, artifact.Key(NamespacePending, teamID), artifact.Bytes, artifact.ContentType)
			if err != nil {
				return ErrUpload.New("slot %s: %w", artifact.ID(), err)
			}
			urls[i] = url
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(artifacts))
	for i, artifact := range artifacts {
		out[artifact.ID()] = urls[i]
	}
	return out, nil
}

func (uploader *Uploader) putWithRetry(ctx context.Context, key string, data []byte, contentType string) (url string, err error) {
	err = uploader.policy.Run(ctx, func(ctx context.Context) error {
		return uploader.breaker.Run(ctx, func(ctx context.Context) error {
			var putErr error
			url, putErr = uploader.store.Put(ctx, key, data, contentType)
			return putErr
		})
	})
	return url, err
}

// MoveResult reports the outcome of moving a team's artifacts.
type MoveResult struct {
	// URLs maps artifact id to the URL in the target namespace for every
	// slot that moved (or already lived there).
	URLs map[string]string
	// Failed lists artifact ids whose move did not complete; their objects
	// still live in the source namespace.
	Failed []string
}

// Move relocates every object of teamID from one namespace to another by
// copy-then-delete. It is idempotent: a slot whose target exists and whose
// source is gone counts as moved.
func (uploader *Uploader) Move(ctx context.Context, teamID, fromNamespace, toNamespace string) (_ MoveResult, err error) {
	defer mon.Task()(&ctx)(&err)

	result := MoveResult{URLs: make(map[string]string)}

	// Targets already present cover the crashed-after-copy case.
	existing, err := uploader.store.List(ctx, toNamespace+"/"+teamID+"/")
	if err != nil {
		return result, ErrMove.Wrap(err)
	}
	for _, key := range existing {
		info, err := uploader.store.Stat(ctx, key)
		if err != nil {
			continue
		}
		result.URLs[slotIDFromKey(key, teamID)] = info.URL
	}

	keys, err := uploader.store.List(ctx, fromNamespace+"/"+teamID+"/")
	if err != nil {
		return result, ErrMove.Wrap(err)
	}

	var failures errs.Group
	for _, key := range keys {
		slot := slotIDFromKey(key, teamID)
		target := toNamespace + "/" + teamID + "/" + key[len(fromNamespace+"/"+teamID+"/"):]

		url, moveErr := uploader.moveOne(ctx, key, target)
		if moveErr != nil {
			uploader.log.Warn("artifact move failed",
				zap.String("teamId", teamID),
				zap.String("slot", slot),
				zap.Error(moveErr))
			result.Failed = append(result.Failed, slot)
			failures.Add(ErrMove.New("slot %s: %w", slot, moveErr))
			continue
		}
		result.URLs[slot] = url
	}

	if len(result.Failed) == len(keys) && len(keys) > 0 {
		return result, failures.Err()
	}
	return result, nil
}

func (uploader *Uploader) moveOne(ctx context.Context, srcKey, dstKey string) (url string, err error) {
	err = uploader.policy.Run(ctx, func(ctx context.Context) error {
		return uploader.breaker.Run(ctx, func(ctx context.Context) error {
			var copyErr error
			url, copyErr = uploader.store.Copy(ctx, srcKey, dstKey)
			if copyErr != nil {
				return copyErr
			}
			return uploader.store.Delete(ctx, srcKey)
		})
	})
	return url, err
}

// Rename moves every object of oldTeamID within a namespace to newTeamID,
// rewriting player file names that embed the team id. Used when an insert
// races on the team id and the coordinator re-allocates.
func (uploader *Uploader) Rename(ctx context.Context, namespace, oldTeamID, newTeamID string) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := uploader.store.List(ctx, namespace+"/"+oldTeamID+"/")
	if err != nil {
		return nil, ErrUpload.Wrap(err)
	}

	urls := make(map[string]string, len(keys))
	for _, key := range keys {
		target := renamedKey(key, oldTeamID, newTeamID)
		url, err := uploader.moveOne(ctx, key, target)
		if err != nil {
			return nil, ErrUpload.New("rename %s: %w", key, err)
		}
		urls[slotIDFromKey(target, newTeamID)] = url
	}
	return urls, nil
}

// DeleteAll removes every object of teamID under a namespace. Best effort:
// failures are logged and counted, not returned per object.
func (uploader *Uploader) DeleteAll(ctx context.Context, teamID, namespace string) (err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := uploader.store.List(ctx, namespace+"/"+teamID+"/")
	if err != nil {
		mon.Event("artifact_cleanup_list_failed")
		return Error.Wrap(err)
	}

	var group errs.Group
	for _, key := range keys {
		if err := uploader.store.Delete(ctx, key); err != nil {
			mon.Event("artifact_cleanup_delete_failed")
			uploader.log.Warn("orphaned artifact could not be deleted",
				zap.String("key", key), zap.Error(err))
			group.Add(err)
		}
	}
	return Error.Wrap(group.Err())
}
