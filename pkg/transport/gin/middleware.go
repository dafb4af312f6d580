// Package gintransport puts a guard in front of gin routes.
package gintransport

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/porthorian/openguard/pkg/guard"
	httptransport "github.com/porthorian/openguard/pkg/transport/http"
)

// StateKey is the gin context key holding the *guard.State.
const StateKey = "openguard.state"

type Config struct {
	// Token extraction and body buffering reuse the net/http settings. The
	// client IP always comes from gin.Context.ClientIP, which honours the
	// engine's trusted proxies.
	httptransport.MiddlewareConfig
}

func DefaultConfig() Config {
	return Config{MiddlewareConfig: httptransport.DefaultConfig()}
}

// Middleware guards the remaining handlers of a route as op.
func Middleware(g httptransport.Guarder, op guard.Operation, config Config) gin.HandlerFunc {
	config.MiddlewareConfig = config.MiddlewareConfig.WithDefaults()

	return func(c *gin.Context) {
		req, err := httptransport.BufferRequest(c.Request, op, config.MaxBodyBytes)
		if err != nil {
			abort(c, err)
			return
		}
		req.Token = httptransport.ExtractToken(c.Request, config.MiddlewareConfig)
		req.PrincipalID = strings.TrimSpace(c.GetHeader(config.PrincipalHeader))
		req.IP = c.ClientIP()

		_, err = g.Do(c.Request.Context(), req, func(ctx context.Context, state *guard.State) (any, error) {
			c.Set(StateKey, state)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return nil, nil
		})
		if err != nil {
			abort(c, err)
		}
	}
}

// State returns the guard state set by Middleware.
func State(c *gin.Context) (*guard.State, bool) {
	value, ok := c.Get(StateKey)
	if !ok {
		return nil, false
	}
	state, ok := value.(*guard.State)
	return state, ok && state != nil
}

func abort(c *gin.Context, err error) {
	denial := httptransport.DenialFor(err)
	body := denial.Body()
	if body.Remaining != nil {
		c.Header("X-RateLimit-Remaining", strconv.Itoa(*body.Remaining))
		c.Header("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(denial.HTTPStatus(), body)
}
