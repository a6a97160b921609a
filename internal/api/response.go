package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/jutta-brewer/internal/errors"
)

// respondError 按错误码返回对应HTTP状态
func respondError(c *gin.Context, err error) {
	appErr := errors.Wrap(err, errors.ErrUnknown)
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.GetHeader("X-Request-ID")))
}

// respondOK 返回成功结果
func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func badRequest(c *gin.Context, err error) {
	respondError(c, errors.Wrap(err, errors.ErrInvalidParam))
}
