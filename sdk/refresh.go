package speechos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// Refresh fires this long before the credential's TTL expires.
	refreshBuffer = 30 * time.Second

	refreshRetryDelay   = 5 * time.Second
	refreshMaxRetries   = 3
	refreshFetchTimeout = 15 * time.Second
)

// autoRefresher keeps the cached credential fresh between sessions. Each
// request consumes a single-use credential, so enabling the refresher first
// invalidates the just-used one, prefetches a replacement, then re-arms a
// timer shortly before the new credential expires. Refresh failures are
// retried quietly; the user has not initiated an action yet.
type autoRefresher struct {
	source *TokenSource
	logger *slog.Logger

	buffer     time.Duration
	retryDelay time.Duration

	mu      sync.Mutex
	enabled bool
	timer   *time.Timer
}

func newAutoRefresher(source *TokenSource, logger *slog.Logger) *autoRefresher {
	return &autoRefresher{
		source:     source,
		logger:     logger,
		buffer:     refreshBuffer,
		retryDelay: refreshRetryDelay,
	}
}

// Start enables background refresh. Idempotent.
func (r *autoRefresher) Start() {
	r.mu.Lock()
	if r.enabled {
		r.mu.Unlock()
		return
	}
	r.enabled = true
	r.mu.Unlock()

	r.source.Invalidate()
	go r.refreshAndReschedule()
}

// Stop cancels any pending timer and prevents further scheduling.
// Idempotent.
func (r *autoRefresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *autoRefresher) refreshAndReschedule() {
	if !r.isEnabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshFetchTimeout+time.Duration(refreshMaxRetries)*r.retryDelay)
	defer cancel()

	backoff := retry.WithMaxRetries(refreshMaxRetries, retry.NewConstant(r.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := r.source.Prefetch(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("token refresh failed, will retry", "error", err)
		r.schedule(r.retryDelay)
		return
	}
	r.scheduleNext()
}

func (r *autoRefresher) scheduleNext() {
	cred := r.source.Cached()
	if cred == nil {
		r.schedule(r.retryDelay)
		return
	}
	delay := time.Until(cred.ExpiresAt) - r.buffer
	if delay < time.Second {
		delay = time.Second
	}
	r.schedule(delay)
}

func (r *autoRefresher) schedule(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, r.onFire)
}

// onFire re-checks real elapsed time instead of trusting the timer's
// nominal delay: a suspended process can wake with the credential already
// expired, or with the timer firing early relative to wall-clock expiry.
func (r *autoRefresher) onFire() {
	if !r.isEnabled() {
		return
	}
	if cred := r.source.Cached(); cred != nil {
		if remaining := time.Until(cred.ExpiresAt); remaining > r.buffer {
			r.schedule(remaining - r.buffer)
			return
		}
	}
	r.source.Invalidate()
	r.refreshAndReschedule()
}

func (r *autoRefresher) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}
