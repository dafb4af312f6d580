package gintransport

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

	ogerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/guard"
)

type stubGuard struct {
	denial *guard.Denial
	got    guard.Request
}

func (s *stubGuard) Do(ctx context.Context, req guard.Request, op guard.OperationFunc) (any, error) {
	s.got = req
	if s.denial != nil {
		return nil, s.denial
	}
	return op(ctx, &guard.State{Request: req, PrincipalID: "u1", Role: "editor"})
}

func newEngine(g *stubGuard, op guard.Operation) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.POST("/reports", Middleware(g, op, DefaultConfig()), func(c *gin.Context) {
		state, ok := State(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"principal": state.PrincipalID, "title": payload["title"]})
	})
	return engine
}

func TestMiddlewareRunsHandlerWithState(t *testing.T) {
	g := &stubGuard{}
	op := guard.Operation{Name: "reports.create", Permission: "reports:write", Write: true, RequiredFields: []string{"title"}}
	engine := newEngine(g, op)

	req := httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(`{"title":"q1"}`))
	req.RemoteAddr = "192.0.2.10:4242"
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Principal-ID", "u1")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"principal":"u1","title":"q1"}`, rec.Body.String())
	assert.Equal(t, "tok", g.got.Token)
	assert.Equal(t, "u1", g.got.PrincipalID)
	assert.Equal(t, "192.0.2.10", g.got.IP)
	assert.Equal(t, []byte(`{"title":"q1"}`), g.got.Body)
	assert.Equal(t, op, g.got.Operation)
}

func TestMiddlewareAbortsOnDenial(t *testing.T) {
	g := &stubGuard{denial: &guard.Denial{
		Status:     guard.StatusRateLimited,
		Code:       ogerrors.CodeRateLimited,
		Message:    "rate limit exceeded",
		Stage:      guard.StageRateLimit,
		RetryAfter: 5 * time.Second,
	}}
	engine := newEngine(g, guard.Operation{Name: "reports.create"})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	var body guard.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, guard.StatusRateLimited, body.Status)
	assert.Equal(t, guard.StageRateLimit, body.Stage)
	require.NotNil(t, body.Remaining)
	assert.Equal(t, 0, *body.Remaining)
}

func TestMiddlewareGuardsOversizedBodies(t *testing.T) {
	g := &stubGuard{denial: &guard.Denial{Status: guard.StatusPayloadTooLarge, Stage: guard.StagePayloadSize}}
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	config := DefaultConfig()
	config.MaxBodyBytes = 4
	engine.POST("/reports", Middleware(g, guard.Operation{Name: "reports.create"}, config), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(`{"title":"q1"}`)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, int64(4), g.got.Operation.MaxPayload)
	assert.Nil(t, g.got.Body)
}

func TestStateMissing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := State(c)
	assert.False(t, ok)
}
