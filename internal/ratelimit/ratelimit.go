// Package ratelimit enforces per-tenant request rate limits.
//
// Two windows apply to every try-on request: a per-minute window sized
// by the tenant's plan, and a per-day ceiling that resets at UTC
// midnight. Counters live in the shared counter store so limits hold
// across server instances.
//
// The limiter fails open: if the counter store is unreachable, requests
// are allowed through. A rate limiter outage shouldn't take down try-ons
// for every store; quota enforcement downstream still bounds total spend.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/counter"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/metrics"
	"github.com/tryonplugin/tryon/internal/tenant"
)

// UsageRecorder logs rejection events. Satisfied by usage.Recorder.
type UsageRecorder interface {
	Record(ctx context.Context, tenantID, eventType, outcome string, processingMs int64, errorCode string)
}

// Limiter checks and advances rate-limit windows.
type Limiter struct {
	store counter.Store
	rec   UsageRecorder

	// now is swappable in tests.
	now func() time.Time
}

// New creates a limiter backed by the given counter store. rec may be
// nil.
func New(store counter.Store, rec UsageRecorder) *Limiter {
	return &Limiter{store: store, rec: rec, now: time.Now}
}

// Middleware enforces the authenticated tenant's plan limits.
// Must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := auth.MustIdentity(c)
		plan := tenant.PlanFor(ident.Tenant.PlanID)
		ctx := c.Request.Context()
		now := l.now().UTC()

		minuteKey := "rl:min:" + ident.Tenant.ID
		dayKey := "rl:day:" + ident.Tenant.ID + ":" + now.Format("20060102")
		untilMidnight := midnight(now).Sub(now)

		minuteCount, minuteExpiry, err := l.store.Get(ctx, minuteKey)
		if err != nil {
			logging.L(ctx).Error("rate limit check failed, allowing request", "error", err)
			c.Next()
			return
		}
		if minuteExpiry.IsZero() {
			minuteExpiry = now.Add(time.Minute)
		}

		if minuteCount >= int64(plan.RequestsPerMinute) {
			retryAfter := ceilSeconds(minuteExpiry.Sub(now))
			setHeaders(c, plan.RequestsPerMinute, 0, minuteExpiry)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			metrics.AdmissionRejections.WithLabelValues("rate_limit").Inc()
			if l.rec != nil {
				l.rec.Record(ctx, ident.Tenant.ID, "tryon", "rate_limited", 0, string(apierr.CodeRateLimitExceeded))
			}
			apierr.Write(c, apierr.TooManyRequests(apierr.CodeRateLimitExceeded,
				fmt.Sprintf("Rate limit exceeded. Maximum %d requests per minute.", plan.RequestsPerMinute)))
			return
		}

		dayCount, _, err := l.store.Get(ctx, dayKey)
		if err != nil {
			logging.L(ctx).Error("daily limit check failed, allowing request", "error", err)
			c.Next()
			return
		}
		if dayCount >= int64(plan.DailyLimit) {
			retryAfter := ceilSeconds(untilMidnight)
			remaining := plan.RequestsPerMinute - int(minuteCount)
			if remaining < 0 {
				remaining = 0
			}
			setHeaders(c, plan.RequestsPerMinute, remaining, minuteExpiry)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			metrics.AdmissionRejections.WithLabelValues("daily_limit").Inc()
			if l.rec != nil {
				l.rec.Record(ctx, ident.Tenant.ID, "tryon", "rate_limited", 0, string(apierr.CodeDailyLimitExceeded))
			}
			apierr.Write(c, apierr.TooManyRequests(apierr.CodeDailyLimitExceeded,
				fmt.Sprintf("Daily limit of %d requests reached. Resets at midnight UTC.", plan.DailyLimit)))
			return
		}

		// Admitted: advance both windows together.
		n, err := l.store.Incr(ctx, minuteKey, time.Minute)
		if err != nil {
			logging.L(ctx).Error("rate limit increment failed, allowing request", "error", err)
			c.Next()
			return
		}
		if n == 1 {
			minuteExpiry = now.Add(time.Minute)
		}
		if _, err := l.store.Incr(ctx, dayKey, untilMidnight); err != nil {
			logging.L(ctx).Error("daily limit increment failed", "error", err)
		}

		remaining := plan.RequestsPerMinute - int(n)
		if remaining < 0 {
			remaining = 0
		}
		setHeaders(c, plan.RequestsPerMinute, remaining, minuteExpiry)

		c.Next()
	}
}

// PublicMiddleware rate-limits unauthenticated endpoints (signup, plan
// listing) by client IP.
func (l *Limiter) PublicMiddleware(requestsPerMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := "rl:ip:" + c.ClientIP()

		n, err := l.store.Incr(ctx, key, time.Minute)
		if err != nil {
			logging.L(ctx).Error("public rate limit failed, allowing request", "error", err)
			c.Next()
			return
		}
		if n > int64(requestsPerMinute) {
			c.Header("Retry-After", "60")
			metrics.AdmissionRejections.WithLabelValues("rate_limit").Inc()
			apierr.Write(c, apierr.TooManyRequests(apierr.CodeRateLimitExceeded,
				"Too many requests. Please slow down."))
			return
		}
		c.Next()
	}
}

func setHeaders(c *gin.Context, limit, remaining int, reset time.Time) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

func midnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

func ceilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
