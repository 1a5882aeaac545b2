// Package health polls the backend's readiness endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harshul/scope-launcher/internal/telemetry"
)

const (
	DefaultMaxAttempts = 600
	DefaultInterval    = time.Second

	attemptTimeout      = time.Second
	defaultCheckTimeout = 2 * time.Second
)

// SleepFunc waits for d or until ctx is done. It returns false when the
// wait was cut short.
type SleepFunc func(ctx context.Context, d time.Duration) bool

// Options configures a Waiter.
type Options struct {
	Client *http.Client
	// CheckTimeout bounds CheckRunning and Status. Defaults to 2s.
	CheckTimeout time.Duration
	Sleep        SleepFunc
	Logger       *slog.Logger
	Telemetry    *telemetry.Provider
}

// Waiter checks whether the backend answers GET /health.
type Waiter struct {
	client       *http.Client
	checkTimeout time.Duration
	sleep        SleepFunc
	logger       *slog.Logger
	tel          *telemetry.Provider
}

// Report is the backend's health payload.
type Report struct {
	Status    string        `json:"status"`
	Timestamp string        `json:"timestamp"`
	Latency   time.Duration `json:"-"`
}

// New creates a Waiter.
func New(opts Options) *Waiter {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = contextSleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	checkTimeout := opts.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = defaultCheckTimeout
	}
	return &Waiter{
		client:       client,
		checkTimeout: checkTimeout,
		sleep:        sleep,
		logger:       logger.With("component", "health"),
		tel:          tel,
	}
}

// WaitForReady polls {baseURL}/health up to maxAttempts times, sleeping
// interval between attempts. It returns true on the first 200 and false once
// the attempts are used up or ctx ends. Running out of attempts is an
// expected outcome, not an error.
func (w *Waiter) WaitForReady(ctx context.Context, baseURL string, maxAttempts int, interval time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	ctx, span := telemetry.StartSpan(ctx, w.tel.Tracer, "health.wait_for_ready")
	defer span.End()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		w.tel.Metrics.HealthAttempts.Add(ctx, 1)
		if w.probe(ctx, baseURL, attemptTimeout) {
			w.logger.Info("backend is ready", "url", baseURL, "attempts", attempt)
			return true
		}
		if attempt == maxAttempts {
			break
		}
		if attempt%30 == 0 {
			w.logger.Info("still waiting for backend", "url", baseURL, "attempts", attempt)
		}
		if !w.sleep(ctx, interval) {
			return false
		}
	}
	w.logger.Warn("backend not ready in time", "url", baseURL, "attempts", maxAttempts)
	return false
}

// CheckRunning is a single probe (2s by default) used to detect a backend left running
// from an earlier session.
func (w *Waiter) CheckRunning(ctx context.Context, baseURL string) bool {
	return w.probe(ctx, baseURL, w.checkTimeout)
}

// Status fetches and decodes the health payload.
func (w *Waiter) Status(ctx context.Context, baseURL string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, w.checkTimeout)
	defer cancel()

	start := time.Now()
	resp, err := w.get(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %s", resp.Status)
	}
	var r Report
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	r.Latency = time.Since(start)
	return &r, nil
}

func (w *Waiter) probe(ctx context.Context, baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := w.get(ctx, baseURL)
	if err != nil {
		w.logger.Debug("health probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (w *Waiter) get(ctx context.Context, baseURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return nil, err
	}
	return w.client.Do(req)
}

func contextSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
