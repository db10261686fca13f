package restapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"audio-pipeline/pkg/errno"
)

// Response 统一响应结构
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      errno.OK.Code,
		Message:   errno.OK.Message,
		Data:      data,
		RequestID: c.GetString("request_id"),
	})
}

// Failed 根据错误类型返回失败响应
func Failed(c *gin.Context, err error) {
	status, code, msg := resolve(err)
	c.JSON(status, Response{
		Code:      code,
		Message:   msg,
		RequestID: c.GetString("request_id"),
	})
}

func resolve(err error) (int, int, string) {
	var biz *errno.BizError
	if errors.As(err, &biz) {
		return httpStatus(biz.Errno), biz.Errno.Code, biz.Error()
	}
	var e *errno.Errno
	if errors.As(err, &e) {
		return httpStatus(e), e.Code, e.Message
	}
	var nf *errno.NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound, errno.ErrNotFound.Code, nf.Error()
	}
	var conv *errno.ConversionError
	if errors.As(err, &conv) {
		return http.StatusBadRequest, errno.ErrUnsupportedFormat.Code, conv.Error()
	}
	return http.StatusInternalServerError, errno.ErrInternalServer.Code, err.Error()
}

func httpStatus(e *errno.Errno) int {
	switch {
	case e.Code >= 400 && e.Code < 500:
		return e.Code
	case e.Code >= 500 && e.Code < 600:
		return http.StatusInternalServerError
	case e == errno.ErrTrackNotFound || e == errno.ErrStemNotFound || e == errno.ErrWorkerNotFound:
		return http.StatusNotFound
	case e == errno.ErrTrackPendingDelete || e == errno.ErrInvalidStatusChange:
		return http.StatusConflict
	case e == errno.ErrEnqueueFailed || e == errno.ErrRegistryUnavailable:
		return http.StatusServiceUnavailable
	case e.Code >= 20000:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}
