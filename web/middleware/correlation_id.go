package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/infigaming-com/go-pubsub/util"
)

const CorrelationIdKey string = "X-CORRELATION-ID"

// CorrelationIdMiddleware keeps the caller's correlation id, or makes one up,
// and stores it on the request context.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.GetHeader(CorrelationIdKey)
		if correlationId == "" {
			correlationId = util.NewUUID()
		}
		c.Header(CorrelationIdKey, correlationId)
		ctx := util.CorrelationIdToCtx(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
