package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/teacherly/plansync/internal/entity"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a Client with automatic retry on transient errors.
type RetryClient struct {
	inner  Client
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given Client.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// IsTransient returns true for errors that are worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn with retry logic. Only retries transient errors.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			d := rc.backoff(attempt)
			if err := sleep(ctx, d); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

// --- Delegate all Client methods through retry logic ---

func (rc *RetryClient) List(ctx context.Context, t entity.Type) (envs []*entity.Envelope, err error) {
	err = rc.retry(ctx, "list", func() error {
		envs, err = rc.inner.List(ctx, t)
		return err
	})
	return
}

func (rc *RetryClient) Get(ctx context.Context, t entity.Type, id string) (env *entity.Envelope, err error) {
	err = rc.retry(ctx, "get", func() error {
		env, err = rc.inner.Get(ctx, t, id)
		return err
	})
	return
}

func (rc *RetryClient) Create(ctx context.Context, t entity.Type, data json.RawMessage) (*entity.Envelope, error) {
	// Creates are NOT retried: a timed-out first attempt may have landed,
	// and a retry would duplicate the entity.
	return rc.inner.Create(ctx, t, data)
}

func (rc *RetryClient) Update(ctx context.Context, t entity.Type, id string, patch json.RawMessage) (env *entity.Envelope, err error) {
	err = rc.retry(ctx, "update", func() error {
		env, err = rc.inner.Update(ctx, t, id, patch)
		return err
	})
	return
}

func (rc *RetryClient) Delete(ctx context.Context, t entity.Type, id string) error {
	return rc.retry(ctx, "delete", func() error {
		return rc.inner.Delete(ctx, t, id)
	})
}

func (rc *RetryClient) StartImport(ctx context.Context, payload json.RawMessage) (*ImportJob, error) {
	// Same duplication hazard as Create.
	return rc.inner.StartImport(ctx, payload)
}

func (rc *RetryClient) GetImport(ctx context.Context, jobID string) (job *ImportJob, err error) {
	err = rc.retry(ctx, "get import", func() error {
		job, err = rc.inner.GetImport(ctx, jobID)
		return err
	})
	return
}

func (rc *RetryClient) Health(ctx context.Context) error {
	// Health is a liveness probe. Retrying would only delay the answer.
	return rc.inner.Health(ctx)
}
