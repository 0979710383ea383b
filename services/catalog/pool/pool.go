// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pool provides a bounded worker pool for best-effort background
// work. Submissions are rejected, never queued unboundedly, when the pool
// is saturated.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSaturated is returned by Submit when the queue is full. The
	// caller decides whether to drop, retry, or fail.
	ErrSaturated = errors.New("worker pool saturated")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Config configures a worker pool.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int

	// QueueSize bounds the pending task queue.
	QueueSize int

	// TaskTimeout caps each task's execution time. 0 disables the cap.
	TaskTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		TaskTimeout: 30 * time.Second,
	}
}

// Task is one unit of background work. The context respects both pool
// shutdown and the per-task timeout.
type Task struct {
	// Name identifies the task in logs.
	Name string

	// Run does the work. Errors are logged, not propagated; background
	// work is best effort.
	Run func(ctx context.Context) error
}

// Pool is a fixed-size worker pool with a bounded queue.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	queue  chan Task
	logger *slog.Logger
	config Config

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Counters for observability.
	submitted atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	completed atomic.Int64
}

// New starts a pool with the given configuration.
func New(cfg Config, logger *slog.Logger) *Pool {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan Task, cfg.QueueSize),
		logger:  logger.With(slog.String("component", "worker_pool")),
		config:  cfg,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task without blocking.
//
// Outputs:
//
//	error - ErrSaturated when the queue is full, ErrClosed after Close.
func (p *Pool) Submit(task Task) error {
	// The read lock keeps Close from closing the queue mid-send.
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrSaturated
	}
}

// Close drains queued tasks, waits for workers to finish, and rejects
// further submissions. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		close(p.queue)
		p.closeMu.Unlock()

		p.wg.Wait()
		p.cancel()
	})
}

// Stats reports lifetime counters: submitted, rejected, completed,
// failed.
func (p *Pool) Stats() (submitted, rejected, completed, failed int64) {
	return p.submitted.Load(), p.rejected.Load(), p.completed.Load(), p.failed.Load()
}

// QueueDepth returns the number of tasks waiting to run.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	ctx := p.baseCtx
	var cancel context.CancelFunc
	if p.config.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
	}

	start := time.Now()
	err := task.Run(ctx)
	if cancel != nil {
		cancel()
	}

	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("background task failed",
			slog.String("task", task.Name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return
	}
	p.completed.Add(1)
}
