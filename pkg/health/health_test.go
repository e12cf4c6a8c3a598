package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"supporter-rewards/services/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, h HealthService, path string) (int, Health) {
	t.Helper()
	r := gin.New()
	h.Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestLiveness(t *testing.T) {
	code, body := serve(t, ProvideHealth(HealthParams{}), "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, StatusHealthy, body.Status)
}

func TestReadinessReportsDependencies(t *testing.T) {
	conn := testutil.NewTestDB(t)
	code, body := serve(t, ProvideHealth(HealthParams{DB: conn}), "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Deps, 1)
	require.Equal(t, StatusHealthy, body.Deps[0].Status)

	// nothing listens on this port
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	code, body = serve(t, ProvideHealth(HealthParams{DB: conn, Redis: rdb}), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, StatusUnhealthy, body.Status)
	require.Len(t, body.Deps, 2)
	require.Equal(t, StatusUnhealthy, body.Deps[1].Status)
}
