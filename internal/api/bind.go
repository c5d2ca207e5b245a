package api

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/middleware"
)

// bindJSON decodes and validates the body. On failure it has already
// written the 400 response.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		middleware.Abort(c, fmt.Errorf("%w: %w", apperr.ErrInvalid, err))
		return false
	}
	return true
}

// int64Param reads a positive numeric path parameter.
func int64Param(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		middleware.Abort(c, fmt.Errorf("%s %q: %w", name, c.Param(name), apperr.ErrInvalid))
		return 0, false
	}
	return id, true
}
