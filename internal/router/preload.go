package router

import (
	"github.com/gin-gonic/gin"
)

// preloadMiddleware runs once before each controller in the chain. It reads
// the forward-only cursor from the per-request state, exposes exactly the
// current controller's validated-data slice, and advances the cursor. The
// validatedParameters slot is overwritten on every invocation; the cursor
// never moves backwards and is cleared past the last controller.
func preloadMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, ok := RouteOf(c)
		if !ok {
			c.Next()
			return
		}
		v, ok := c.Get(ctxCommonValidated)
		if !ok {
			c.Next()
			return
		}
		common, ok := v.([]ValidatedParams)
		if !ok {
			c.Next()
			return
		}

		cursor := 0
		if cur, exists := c.Get(ctxNextController); exists {
			if n, ok := cur.(int); ok {
				cursor = n
			}
		}

		if cursor < len(common) {
			c.Set(ctxValidatedParams, common[cursor])
		} else {
			c.Set(ctxValidatedParams, ValidatedParams{})
		}

		next := cursor + 1
		if next >= len(svc.Controllers) {
			c.Set(ctxNextController, nil)
		} else {
			c.Set(ctxNextController, next)
		}
		c.Next()
	}
}
