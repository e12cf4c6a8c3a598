package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"supporter-rewards/pkg/errutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type errorBody struct {
	Error struct {
		Code      string           `json:"code"`
		Message   string           `json:"message"`
		Details   []errutil.Detail `json:"details"`
		Timestamp string           `json:"timestamp"`
	} `json:"error"`
}

func serve(t *testing.T, err error) (*httptest.ResponseRecorder, errorBody) {
	t.Helper()
	r := gin.New()
	r.Use(RequestLogger(), Error())
	r.GET("/", func(c *gin.Context) { _ = c.Error(err) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestErrorRendersBaseError(t *testing.T) {
	w, body := serve(t, errutil.Concurrency("reward_assignment", "42"))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, string(errutil.StatusConcurrency), body.Error.Code)
	require.Len(t, body.Error.Details, 2)
	require.NotEmpty(t, body.Error.Timestamp)
	require.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestErrorHidesUnknownErrors(t *testing.T) {
	w, body := serve(t, errors.New("pq: connection refused to 10.0.0.3"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, string(errutil.StatusInternal), body.Error.Code)
	require.NotContains(t, body.Error.Message, "10.0.0.3")

	w, body = serve(t, errutil.Internal("failed to load", errors.New("secret detail")))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "secret detail")
	require.Equal(t, "failed to load", body.Error.Message)
}
