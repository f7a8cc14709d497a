package tenant

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/pkg/models"
)

// Header carries the tenant binding set by the upstream gateway after
// authentication. The engine itself never authenticates; it only refuses to
// operate without an explicit tenant.
const Header = "X-Tenant-ID"

type ctxKey struct{}

// WithTenant returns a context bound to the given tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext extracts the tenant binding. There is no fallback: an unbound
// context is a programming or gateway error, never a reason to guess.
func FromContext(ctx context.Context) (string, error) {
	id, _ := ctx.Value(ctxKey{}).(string)
	if id == "" {
		return "", models.ErrMissingTenant
	}
	return id, nil
}

// MustFromContext is for call sites that run strictly behind Middleware.
func MustFromContext(ctx context.Context) string {
	id, err := FromContext(ctx)
	if err != nil {
		panic("tenant: unbound context reached a tenant-scoped operation")
	}
	return id
}

// Middleware binds the tenant header onto the request context. Requests
// without a tenant are refused before any state is read or written, and the
// refusal is logged as a security event.
func Middleware(seclog zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(Header))
		if id == "" {
			seclog.Warn().
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Str("remote", c.ClientIP()).
				Msg("request refused: missing tenant binding")
			c.JSON(http.StatusBadRequest, gin.H{
				"error": models.ErrMissingTenant.Error(),
				"code":  "missing_tenant",
				"hint":  "set the " + Header + " header",
			})
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(WithTenant(c.Request.Context(), id))
		c.Next()
	}
}
