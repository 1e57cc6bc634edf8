package raven

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Rate limit categories understood by the store endpoint.
const (
	CategoryAll   = "all"
	CategoryError = "error"
)

const defaultRetryAfter = 60 * time.Second

// RateLimiter suppresses sends while the collector asks the client to back
// off. It never retries anything itself.
type RateLimiter struct {
	mu         sync.RWMutex
	rateLimits map[string]time.Time // category -> disabled until time
	logger     *zap.Logger
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		rateLimits: make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// IsRateLimited checks if the given category, or all categories, are disabled.
func (rl *RateLimiter) IsRateLimited(category string) bool {
	return !rl.GetDisabledUntil(category).IsZero()
}

// GetDisabledUntil returns the time until which the category is disabled,
// or the zero time when it is not.
func (rl *RateLimiter) GetDisabledUntil(category string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	var until time.Time
	for _, c := range []string{category, CategoryAll} {
		if t, ok := rl.rateLimits[c]; ok && t.After(now) && t.After(until) {
			until = t
		}
	}
	return until
}

// HandleRateLimitHeaders processes X-Sentry-Rate-Limits, falling back to Retry-After.
func (rl *RateLimiter) HandleRateLimitHeaders(headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if rateLimits := headers.Get("X-Sentry-Rate-Limits"); rateLimits != "" {
		rl.parseRateLimitHeader(rateLimits, now)
		return
	}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		rl.parseRetryAfterHeader(retryAfter, now)
	}
}

// parseRateLimitHeader parses "retry_after:categories:scope:reason_code" entries.
func (rl *RateLimiter) parseRateLimitHeader(header string, now time.Time) {
	for _, limit := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(limit), ":")
		if len(parts) < 2 {
			continue
		}

		retryAfter := defaultRetryAfter
		if seconds, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err == nil {
			retryAfter = time.Duration(seconds * float64(time.Second))
		} else {
			rl.logger.Warn("Failed to parse retry_after from rate limit header", zap.String("value", parts[0]))
		}
		until := now.Add(retryAfter)

		categories := strings.TrimSpace(parts[1])
		if categories == "" {
			categories = CategoryAll
		}
		for _, category := range strings.Split(categories, ";") {
			category = strings.TrimSpace(category)
			if category == "" {
				category = CategoryAll
			}
			rl.rateLimits[category] = until
			rl.logger.Warn("Rate limit applied",
				zap.String("category", category),
				zap.Time("disabled_until", until))
		}
	}
}

func (rl *RateLimiter) parseRetryAfterHeader(header string, now time.Time) {
	header = strings.TrimSpace(header)

	until := now.Add(defaultRetryAfter)
	if seconds, err := strconv.Atoi(header); err == nil {
		until = now.Add(time.Duration(seconds) * time.Second)
	} else if date, err := http.ParseTime(header); err == nil && date.After(now) {
		until = date
	} else {
		rl.logger.Warn("Failed to parse Retry-After header, using default", zap.String("header", header))
	}

	rl.rateLimits[CategoryAll] = until
	rl.logger.Warn("Global rate limit applied via Retry-After header", zap.Time("disabled_until", until))
}

// CleanupExpired removes expired rate limits
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for category, disabledUntil := range rl.rateLimits {
		if !disabledUntil.After(now) {
			delete(rl.rateLimits, category)
		}
	}
}

// GetStatus returns a copy of the active limits
func (rl *RateLimiter) GetStatus() map[string]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(map[string]time.Time, len(rl.rateLimits))
	for category, disabledUntil := range rl.rateLimits {
		status[category] = disabledUntil
	}
	return status
}
