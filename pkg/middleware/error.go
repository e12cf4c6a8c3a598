package middleware

import (
	"errors"
	"net/http"
	"time"

	"supporter-rewards/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error as {error:{code,message,details,timestamp}}.
// Errors that are not errutil.BaseError become a generic internal error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		var base errutil.BaseError
		if !errors.As(err, &base) {
			base = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal server error"}
		}
		status := base.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			zap.L().Error("request failed",
				zap.String("request_id", RequestID(c)),
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
		}
		c.JSON(status, base.JSON(time.Now()))
	}
}

// Abort records err for the Error middleware and stops the chain.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
