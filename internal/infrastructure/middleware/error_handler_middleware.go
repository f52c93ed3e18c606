package middleware

import (
	"fmt"
	"net/http"

	"meshcam/pkg/errors"
	"meshcam/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns the last error attached to the gin context
// into a JSON response. Log lines carry the fields stored in the request
// context, such as the trace id.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(log.Desugar())

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		ctx := c.Request.Context()
		route := []zap.Field{
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		}

		if appErr := errors.GetAppError(err); appErr != nil {
			fields := append(route,
				zap.String("code", string(appErr.Code)),
				zap.Int("status", appErr.HTTPStatus),
			)
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				ctxLogger.LogError(ctx, appErr, "request failed", fields...)
			} else {
				ctxLogger.LogWarn(ctx, "request failed", append(fields, zap.String("message", appErr.Message))...)
			}

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		ctxLogger.LogError(ctx, err, "unhandled error", route...)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(log.Desugar())

	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				ctxLogger.LogError(c.Request.Context(), fmt.Errorf("panic: %v", r), "panic recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
