package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestManager(t *testing.T, planID string, used, limit int) (*Manager, *tenant.MemoryStore) {
	t.Helper()
	tenants := tenant.NewMemoryStore()
	require.NoError(t, tenants.Create(context.Background(), &tenant.Tenant{
		ID:           "st_1",
		Name:         "Test Store",
		Email:        "owner@example.com",
		PlanID:       planID,
		Status:       tenant.StatusActive,
		MonthlyQuota: limit,
		UsedQuota:    used,
		QuotaResetAt: tenant.NextQuotaReset(time.Now()),
	}))
	return NewManager(tenants, nil), tenants
}

func TestCheck_FreeUnderQuota(t *testing.T) {
	mgr, tenants := newTestManager(t, tenant.PlanFree, 99, 100)

	st, err := tenants.Get(context.Background(), "st_1")
	require.NoError(t, err)
	assert.NoError(t, mgr.Check(st))
}

func TestCheck_FreeExhausted(t *testing.T) {
	mgr, tenants := newTestManager(t, tenant.PlanFree, 100, 100)

	st, err := tenants.Get(context.Background(), "st_1")
	require.NoError(t, err)

	err = mgr.Check(st)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 100, exhausted.Used)
	assert.Equal(t, 100, exhausted.Limit)
}

func TestCheck_PaidPassesOverQuota(t *testing.T) {
	for _, plan := range []string{tenant.PlanStarter, tenant.PlanGrowth} {
		mgr, tenants := newTestManager(t, plan, 5000, 1000)

		st, err := tenants.Get(context.Background(), "st_1")
		require.NoError(t, err)
		assert.NoError(t, mgr.Check(st), "plan %s", plan)
	}
}

func TestCheck_StaleResetTreatedAsFresh(t *testing.T) {
	// Tenant exhausted last month and hasn't generated since; the stored
	// counter is stale but the reset time has passed.
	mgr, tenants := newTestManager(t, tenant.PlanFree, 100, 100)

	st, err := tenants.Get(context.Background(), "st_1")
	require.NoError(t, err)

	mgr.now = func() time.Time { return st.QuotaResetAt.Add(time.Hour) }
	assert.NoError(t, mgr.Check(st))
}

func TestConsume_IncrementsWithinPeriod(t *testing.T) {
	mgr, tenants := newTestManager(t, tenant.PlanFree, 10, 100)
	ctx := context.Background()

	require.NoError(t, mgr.Consume(ctx, "st_1"))

	st, err := tenants.Get(ctx, "st_1")
	require.NoError(t, err)
	assert.Equal(t, 11, st.UsedQuota)
}

func TestConsume_RollsOverAfterReset(t *testing.T) {
	mgr, tenants := newTestManager(t, tenant.PlanFree, 100, 100)
	ctx := context.Background()

	st, err := tenants.Get(ctx, "st_1")
	require.NoError(t, err)
	afterReset := st.QuotaResetAt.Add(time.Hour)
	mgr.now = func() time.Time { return afterReset }

	require.NoError(t, mgr.Consume(ctx, "st_1"))

	st, err = tenants.Get(ctx, "st_1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.UsedQuota)
	assert.Equal(t, tenant.NextQuotaReset(afterReset), st.QuotaResetAt)
}

func TestNextQuotaReset_FirstOfNextMonth(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	reset := tenant.NextQuotaReset(now)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), reset)

	// December wraps into the next year.
	now = time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), tenant.NextQuotaReset(now))
}

func setupRouter(t *testing.T, planID string, used, limit int) (*gin.Engine, string) {
	t.Helper()
	mgr, tenants := newTestManager(t, planID, used, limit)
	authMgr := auth.NewManager(auth.NewMemoryStore(), tenants)
	rawKey, _, err := authMgr.GenerateKey(context.Background(), "st_1", "key")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/tryon", auth.Middleware(authMgr), mgr.Middleware(), func(c *gin.Context) {
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

func TestMiddleware_FreeExhaustedRejected(t *testing.T) {
	r, key := setupRouter(t, tenant.PlanFree, 100, 100)

	w, body := doRequest(r, key)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", body["code"])
	assert.Equal(t, false, body["retryable"])
	assert.Contains(t, body["error"], "100/100")
}

func TestMiddleware_RejectionCarriesQuotaHeaders(t *testing.T) {
	r, key := setupRouter(t, tenant.PlanFree, 100, 100)

	w, _ := doRequest(r, key)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "100", w.Header().Get("X-Quota-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-Quota-Remaining"))

	reset, err := strconv.ParseInt(w.Header().Get("X-Quota-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().Unix())
}

func TestMiddleware_FreeUnderQuotaPasses(t *testing.T) {
	r, key := setupRouter(t, tenant.PlanFree, 50, 100)

	w, _ := doRequest(r, key)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_PaidOverQuotaPasses(t *testing.T) {
	r, key := setupRouter(t, tenant.PlanGrowth, 99999, 10000)

	w, _ := doRequest(r, key)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_DoesNotConsume(t *testing.T) {
	mgr, tenants := newTestManager(t, tenant.PlanFree, 50, 100)
	authMgr := auth.NewManager(auth.NewMemoryStore(), tenants)
	rawKey, _, err := authMgr.GenerateKey(context.Background(), "st_1", "key")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/tryon", auth.Middleware(authMgr), mgr.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/tryon", nil)
	req.Header.Set("X-API-Key", rawKey)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	st, err := tenants.Get(context.Background(), "st_1")
	require.NoError(t, err)
	assert.Equal(t, 50, st.UsedQuota, "admission alone must not burn quota")
}
