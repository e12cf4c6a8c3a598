package auth

import (
	"context"
	"strings"
	"time"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

type ctxKey struct{}

// RequireRole verifies the bearer token and requires one of roles. The
// token subject becomes the request's actor.
func RequireRole(m *Manager, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(raw, bearerPrefix) {
			middleware.Abort(c, errutil.Unauthorized("missing bearer token", nil))
			return
		}
		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), time.Now())
		if err != nil {
			middleware.Abort(c, errutil.Unauthorized("invalid token", nil))
			return
		}
		allowed := false
		for _, r := range roles {
			if claims.Role == r {
				allowed = true
				break
			}
		}
		if !allowed {
			middleware.Abort(c, errutil.Forbidden("insufficient role", nil))
			return
		}

		c.Request = c.Request.WithContext(WithActor(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, actorID)
}

// Actor returns the authenticated actor, empty when the request is anonymous.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}
