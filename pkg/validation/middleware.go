package validation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quillmarket/quill/pkg/errors"
)

// Middleware screens query and path parameters on every request before the
// handler runs. Body validation stays with the handlers, which know the
// request shapes.
func Middleware(logger *zap.Logger) gin.HandlerFunc {
	v := NewValidator(logger)

	return func(c *gin.Context) {
		for key, values := range c.Request.URL.Query() {
			for _, value := range values {
				if err := v.Screen(key, value); err != nil {
					problem := errors.NewValidationError(err.Error(), c.Request.URL.Path)
					c.AbortWithStatusJSON(http.StatusBadRequest, problem)
					return
				}
			}
		}

		for _, p := range c.Params {
			if err := v.Screen(p.Key, p.Value); err != nil {
				problem := errors.NewValidationError(err.Error(), c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusBadRequest, problem)
				return
			}
		}

		c.Next()
	}
}
