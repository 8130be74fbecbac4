package middleware

import (
	"net/http"

	"dropship-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders errors attached to the gin context as JSON. Domain errors keep
// their CoreStatus mapping; anything else becomes a 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}

		if v, ok := err.Err.(errutil.BaseError); ok {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": err.Error(),
			},
		})
	}
}
