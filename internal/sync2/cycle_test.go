// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"github.com/icctcup/registry/internal/sync2"
)

func TestCycleRunsOnInterval(t *testing.T) {
	cycle := sync2.NewCycle(5 * time.Millisecond)
	defer cycle.Close()

	var runs int64
	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 3
	}, time.Second, time.Millisecond)

	cycle.Close()
	require.NoError(t, <-done)
}

func TestCycleTriggerWait(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)
	defer cycle.Close()

	var runs int64
	go func() {
		_ = cycle.Run(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		})
	}()

	cycle.TriggerWait()
	require.Equal(t, int64(1), atomic.LoadInt64(&runs))
}

func TestCycleStopsOnError(t *testing.T) {
	cycle := sync2.NewCycle(time.Millisecond)
	defer cycle.Close()

	boom := errs.New("boom")
	err := cycle.Run(context.Background(), func(ctx context.Context) error {
		return boom
	})
	require.Equal(t, boom, err)
}

func TestCycleStopsOnContext(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)
	defer cycle.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, cycle.Run(ctx, func(ctx context.Context) error {
		t.Fatal("must not run")
		return nil
	}))
}
