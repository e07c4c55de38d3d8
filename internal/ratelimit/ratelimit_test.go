package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/counter"
	"github.com/tryonplugin/tryon/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// failingStore always errors, to exercise the fail-open path.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("counter store down")
}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("counter store down")
}

func setupRouter(t *testing.T, store counter.Store, planID string) (*gin.Engine, string) {
	t.Helper()
	tenants := tenant.NewMemoryStore()
	require.NoError(t, tenants.Create(context.Background(), &tenant.Tenant{
		ID:           "st_1",
		Name:         "Test Store",
		Email:        "owner@example.com",
		PlanID:       planID,
		Status:       tenant.StatusActive,
		MonthlyQuota: 100,
		QuotaResetAt: tenant.NextQuotaReset(time.Now()),
	}))
	mgr := auth.NewManager(auth.NewMemoryStore(), tenants)
	rawKey, _, err := mgr.GenerateKey(context.Background(), "st_1", "key")
	require.NoError(t, err)

	limiter := New(store, nil)
	r := gin.New()
	r.POST("/tryon", auth.Middleware(mgr), limiter.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r, rawKey
}

func doRequest(r *gin.Engine, apiKey string) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/tryon", nil)
	req.Header.Set("X-API-Key", apiKey)
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestMiddleware_AllowsUnderLimit(t *testing.T) {
	r, key := setupRouter(t, counter.NewMemoryStore(), tenant.PlanFree)

	// Free plan: 5 requests per minute.
	for i := 0; i < 5; i++ {
		w, _ := doRequest(r, key)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	r, key := setupRouter(t, counter.NewMemoryStore(), tenant.PlanFree)

	for i := 0; i < 5; i++ {
		w, _ := doRequest(r, key)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, body := doRequest(r, key)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.Equal(t, true, body["retryable"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddleware_SetsHeaders(t *testing.T) {
	r, key := setupRouter(t, counter.NewMemoryStore(), tenant.PlanFree)

	w, _ := doRequest(r, key)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	w, _ = doRequest(r, key)
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddleware_PlanDeterminesLimit(t *testing.T) {
	r, key := setupRouter(t, counter.NewMemoryStore(), tenant.PlanStarter)

	// Starter plan: 20 requests per minute.
	for i := 0; i < 20; i++ {
		w, _ := doRequest(r, key)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w, _ := doRequest(r, key)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMiddleware_DailyRejectCarriesRateHeaders(t *testing.T) {
	tenants := tenant.NewMemoryStore()
	require.NoError(t, tenants.Create(context.Background(), &tenant.Tenant{
		ID:           "st_1",
		Name:         "Test Store",
		Email:        "owner@example.com",
		PlanID:       tenant.PlanFree,
		Status:       tenant.StatusActive,
		MonthlyQuota: 100,
		QuotaResetAt: tenant.NextQuotaReset(time.Now()),
	}))
	mgr := auth.NewManager(auth.NewMemoryStore(), tenants)
	rawKey, _, err := mgr.GenerateKey(context.Background(), "st_1", "key")
	require.NoError(t, err)

	store := counter.NewMemoryStore()
	limiter := New(store, nil)
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }

	// Day ceiling reached, minute window untouched.
	dayKey := "rl:day:st_1:" + fixed.Format("20060102")
	for i := 0; i < 100; i++ {
		_, err := store.Incr(context.Background(), dayKey, 12*time.Hour)
		require.NoError(t, err)
	}

	r := gin.New()
	r.POST("/tryon", auth.Middleware(mgr), limiter.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w, body := doRequest(r, rawKey)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "DAILY_LIMIT_EXCEEDED", body["code"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// The minute-window headers still ride along on a daily reject.
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_FailsOpenOnStoreError(t *testing.T) {
	r, key := setupRouter(t, failingStore{}, tenant.PlanFree)

	// Well past the free-plan limit; every request still goes through.
	for i := 0; i < 10; i++ {
		w, _ := doRequest(r, key)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestPublicMiddleware_LimitsByIP(t *testing.T) {
	limiter := New(counter.NewMemoryStore(), nil)
	r := gin.New()
	r.POST("/signup", limiter.PublicMiddleware(3), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/signup", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/signup", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
}

func TestPublicMiddleware_FailsOpen(t *testing.T) {
	limiter := New(failingStore{}, nil)
	r := gin.New()
	r.POST("/signup", limiter.PublicMiddleware(1), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/signup", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
