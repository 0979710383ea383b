// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTasks(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 8}, nil)
	defer p.Close()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Task{
			Name: "count",
			Run: func(ctx context.Context) error {
				defer wg.Done()
				ran.Add(1)
				return nil
			},
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), ran.Load())

	submitted, rejected, completed, failed := p.Stats()
	assert.Equal(t, int64(5), submitted)
	assert.Equal(t, int64(0), rejected)
	assert.Equal(t, int64(5), completed)
	assert.Equal(t, int64(0), failed)
}

func TestSubmitRejectsWhenSaturated(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})

	// Occupy the single worker.
	require.NoError(t, p.Submit(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	// Fill the single queue slot.
	require.NoError(t, p.Submit(Task{Name: "queued", Run: func(ctx context.Context) error { return nil }}))

	// The pool is now saturated.
	err := p.Submit(Task{Name: "overflow", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrSaturated)

	_, rejected, _, _ := p.Stats()
	assert.Equal(t, int64(1), rejected)

	close(block)
}

func TestCloseDrainsQueuedWork(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 16}, nil)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Task{Name: "drain", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}

	p.Close()
	assert.Equal(t, int32(10), ran.Load(), "queued work runs before shutdown completes")

	err := p.Submit(Task{Name: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTaskErrorsAreCountedNotPropagated(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 4}, nil)

	done := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "failing", Run: func(ctx context.Context) error {
		defer close(done)
		return errors.New("index write failed")
	}}))
	<-done
	p.Close()

	_, _, completed, failed := p.Stats()
	assert.Equal(t, int64(0), completed)
	assert.Equal(t, int64(1), failed)
}

func TestTaskTimeout(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1, TaskTimeout: 20 * time.Millisecond}, nil)
	defer p.Close()

	done := make(chan error, 1)
	require.NoError(t, p.Submit(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task context was never cancelled")
	}
}

func TestConcurrentSubmitAndClose(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 64}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = p.Submit(Task{Name: "racer", Run: func(ctx context.Context) error { return nil }})
			}
		}()
	}
	p.Close()
	wg.Wait()

	err := p.Submit(Task{Name: "after", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrClosed)
}
