package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tryonplugin/tryon/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *Manager, *tenant.MemoryStore, string) {
	t.Helper()
	mgr, tenants := newTestManager(t)
	rawKey, _, err := mgr.GenerateKey(context.Background(), "st_1", "key")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/tryon", Middleware(mgr), func(c *gin.Context) {
		ident := MustIdentity(c)
		c.JSON(http.StatusOK, gin.H{"tenant": ident.Tenant.ID})
	})
	return r, mgr, tenants, rawKey
}

func doRequest(r *gin.Engine, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/tryon", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestMiddleware_ValidKey(t *testing.T) {
	r, _, _, rawKey := setupRouter(t)

	w, body := doRequest(r, map[string]string{"X-API-Key": rawKey})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "st_1", body["tenant"])
}

func TestMiddleware_BearerHeader(t *testing.T) {
	r, _, _, rawKey := setupRouter(t)

	w, _ := doRequest(r, map[string]string{"Authorization": "Bearer " + rawKey})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_MissingKey(t *testing.T) {
	r, _, _, _ := setupRouter(t)

	w, body := doRequest(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "MISSING_API_KEY", body["code"])
	assert.Equal(t, false, body["retryable"])
}

func TestMiddleware_MalformedKey(t *testing.T) {
	r, _, _, _ := setupRouter(t)

	w, body := doRequest(r, map[string]string{"X-API-Key": "not-a-key"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_API_KEY_FORMAT", body["code"])
}

func TestMiddleware_UnknownKey(t *testing.T) {
	r, _, _, _ := setupRouter(t)

	w, body := doRequest(r, map[string]string{"X-API-Key": "tryon_live_" + strings.Repeat("cd", 16)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_API_KEY", body["code"])
}

func TestMiddleware_DeactivatedKey(t *testing.T) {
	r, mgr, _, rawKey := setupRouter(t)

	keys, err := mgr.ListKeys(context.Background(), "st_1")
	require.NoError(t, err)
	require.NoError(t, mgr.RevokeKey(context.Background(), "st_1", keys[0].ID))

	w, body := doRequest(r, map[string]string{"X-API-Key": rawKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "API_KEY_DEACTIVATED", body["code"])
}

func TestMiddleware_SuspendedTenant(t *testing.T) {
	r, _, tenants, rawKey := setupRouter(t)

	st, err := tenants.Get(context.Background(), "st_1")
	require.NoError(t, err)
	st.Status = tenant.StatusSuspended
	st.UpdatedAt = time.Now()
	require.NoError(t, tenants.Update(context.Background(), st))

	w, body := doRequest(r, map[string]string{"X-API-Key": rawKey})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TENANT_INACTIVE", body["code"])
	assert.Contains(t, body["error"], "suspended")
}

func TestMiddleware_FormatCheckedBeforeLookup(t *testing.T) {
	// A malformed key must fail on format, not on lookup, even when a
	// deactivated key with the same bytes exists.
	r, _, _, _ := setupRouter(t)

	w, body := doRequest(r, map[string]string{"Authorization": "Bearer tryon_live_tooshort"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_API_KEY_FORMAT", body["code"])
}
