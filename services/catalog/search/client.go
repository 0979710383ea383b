// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCircuitOpen is returned when the circuit breaker is rejecting
// requests after repeated backend failures.
var ErrCircuitOpen = errors.New("search circuit breaker open")

// ConnectionState is the client's view of backend health.
type ConnectionState int32

const (
	// StateConnected indicates normal operation.
	StateConnected ConnectionState = iota
	// StateDegraded indicates the backend is unreachable but requests
	// still try.
	StateDegraded
	// StateCircuitOpen indicates requests are rejected until cooldown.
	StateCircuitOpen
	// StateHalfOpen indicates a single probe request is allowed through.
	StateHalfOpen
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ClientConfig configures the resilient search client.
type ClientConfig struct {
	// URL is the backend URL, e.g. "http://localhost:8080".
	URL string

	// RetryAttempts is the number of retries for failed requests.
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries, doubled per
	// attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// RetryJitter randomizes backoff by up to the given fraction.
	RetryJitter float64

	// CircuitThreshold failures within CircuitWindow open the circuit;
	// it half-opens after CircuitCooldown.
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	// HealthCheckInterval drives the background readiness probe;
	// DegradedCheckInterval applies while unhealthy.
	HealthCheckInterval   time.Duration
	DegradedCheckInterval time.Duration
	HealthCheckTimeout    time.Duration

	// AllowStartDegraded lets the client start while the backend is down.
	AllowStartDegraded bool

	Logger *slog.Logger
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryAttempts:         3,
		RetryBackoff:          100 * time.Millisecond,
		MaxRetryBackoff:       5 * time.Second,
		RetryJitter:           0.25,
		CircuitThreshold:      5,
		CircuitWindow:         30 * time.Second,
		CircuitCooldown:       30 * time.Second,
		HealthCheckInterval:   10 * time.Second,
		DegradedCheckInterval: 5 * time.Second,
		HealthCheckTimeout:    5 * time.Second,
	}
}

func (c *ClientConfig) applyDefaults() {
	d := DefaultClientConfig()
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = d.RetryJitter
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = d.CircuitWindow
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.DegradedCheckInterval == 0 {
		c.DegradedCheckInterval = d.DegradedCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration.
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url must not be empty")
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	if c.CircuitWindow <= 0 {
		return errors.New("circuit_window must be positive")
	}
	return nil
}

// client wraps the Weaviate client with retry, circuit breaking, and
// background health checking.
//
// Thread Safety: Safe for concurrent use.
type client struct {
	wv     *weaviate.Client
	config ClientConfig
	logger *slog.Logger

	state           atomic.Int32
	circuitOpenedAt atomic.Int64
	closed          atomic.Bool
	halfOpenProbe   atomic.Bool

	failureMu  sync.Mutex
	failures   []time.Time
	failureIdx int

	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

func newClient(config ClientConfig) (*client, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search client config: %w", err)
	}

	cfg := weaviate.Config{Host: config.URL, Scheme: "http"}
	if strings.HasPrefix(config.URL, "https://") {
		cfg.Scheme = "https"
		cfg.Host = strings.TrimPrefix(config.URL, "https://")
	} else if strings.HasPrefix(config.URL, "http://") {
		cfg.Host = strings.TrimPrefix(config.URL, "http://")
	}

	wv, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	c := &client{
		wv:           wv,
		config:       config,
		logger:       config.Logger.With(slog.String("component", "search_client")),
		failures:     make([]time.Time, config.CircuitThreshold),
		healthCtx:    healthCtx,
		healthCancel: healthCancel,
	}
	c.state.Store(int32(StateDegraded))

	if err := c.checkHealth(context.Background()); err != nil {
		if !config.AllowStartDegraded {
			healthCancel()
			return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
		}
		c.logger.Warn("search backend unavailable at startup, starting degraded",
			slog.String("url", config.URL), slog.String("error", err.Error()))
	} else {
		c.transition(StateConnected)
	}

	c.healthWg.Add(1)
	go c.runHealthChecker()
	return c, nil
}

// execute runs fn with retry and circuit breaker protection.
func (c *client) execute(ctx context.Context, op string, fn func() error) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: client closed", ErrSearchUnavailable)
	}

	ctx, span := otel.Tracer("search").Start(ctx, "search."+op,
		trace.WithAttributes(attribute.String("state", c.State().String())))
	defer span.End()

	switch c.State() {
	case StateCircuitOpen:
		if !c.cooldownExpired() {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}
		c.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !c.halfOpenProbe.CompareAndSwap(false, true) {
			span.SetStatus(codes.Error, "half-open probe in flight")
			return ErrCircuitOpen
		}
		defer c.halfOpenProbe.Store(false)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", backoff.Milliseconds())))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			c.recordSuccess()
			span.SetStatus(codes.Ok, "")
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}

	c.recordFailure()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "exhausted")
	return fmt.Errorf("%w: %s: %v", ErrSearchUnavailable, op, lastErr)
}

// WaitForReady blocks until the backend reports ready or timeout.
func (c *client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: not ready within %v", ErrSearchUnavailable, timeout)
		case <-ticker.C:
			if c.checkHealth(ctx) == nil {
				return nil
			}
		}
	}
}

// Close stops the health checker. Safe to call more than once.
func (c *client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.healthCancel()
	c.healthWg.Wait()
	return nil
}

// State returns the current connection state.
func (c *client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *client) transition(next ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(next)))
	if prev != next {
		c.logger.Info("search backend state transition",
			slog.String("from", prev.String()), slog.String("to", next.String()))
	}
}

func (c *client) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthCheckTimeout)
	defer cancel()

	ready, err := c.wv.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("readiness check: %w", err)
	}
	if !ready {
		return ErrSearchUnavailable
	}
	return nil
}

func (c *client) runHealthChecker() {
	defer c.healthWg.Done()
	for {
		interval := c.config.HealthCheckInterval
		if s := c.State(); s == StateDegraded || s == StateCircuitOpen {
			interval = c.config.DegradedCheckInterval
		}
		select {
		case <-c.healthCtx.Done():
			return
		case <-time.After(interval):
			c.probeHealth()
		}
	}
}

func (c *client) probeHealth() {
	err := c.checkHealth(c.healthCtx)
	switch state := c.State(); {
	case err == nil && (state == StateDegraded || state == StateHalfOpen):
		c.transition(StateConnected)
		c.resetFailures()
	case err == nil && state == StateCircuitOpen:
		if c.cooldownExpired() {
			c.transition(StateHalfOpen)
		}
	case err != nil && state == StateConnected:
		c.transition(StateDegraded)
	}
}

func (c *client) recordSuccess() {
	if c.State() == StateHalfOpen {
		c.transition(StateConnected)
		c.resetFailures()
	}
}

func (c *client) recordFailure() {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()

	now := time.Now()
	c.failures[c.failureIdx] = now
	c.failureIdx = (c.failureIdx + 1) % len(c.failures)

	windowStart := now.Add(-c.config.CircuitWindow)
	count := 0
	for _, t := range c.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}

	if count >= c.config.CircuitThreshold {
		if c.State() != StateCircuitOpen {
			c.circuitOpenedAt.Store(now.Unix())
			c.transition(StateCircuitOpen)
			c.logger.Warn("search circuit breaker opened",
				slog.Int("failures", count),
				slog.Duration("window", c.config.CircuitWindow))
		}
	} else if c.State() == StateConnected {
		c.transition(StateDegraded)
	}
}

func (c *client) resetFailures() {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	for i := range c.failures {
		c.failures[i] = time.Time{}
	}
	c.failureIdx = 0
}

func (c *client) cooldownExpired() bool {
	return time.Since(time.Unix(c.circuitOpenedAt.Load(), 0)) >= c.config.CircuitCooldown
}

func (c *client) backoff(attempt int) time.Duration {
	d := c.config.RetryBackoff * time.Duration(1<<attempt)
	if d > c.config.MaxRetryBackoff {
		d = c.config.MaxRetryBackoff
	}
	jitter := (rand.Float64()*2 - 1) * float64(d) * c.config.RetryJitter
	d = time.Duration(float64(d) + jitter)
	if d < 0 {
		d = c.config.RetryBackoff
	}
	return d
}

// isRetryable reports whether an error is worth another attempt.
// Connection-level failures are; application errors are not.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
