package errno

import "fmt"

// code=0 请求成功
// code=4xx 客户端请求错误
// code=5xx 服务器端错误
// code=2xxxx 业务处理错误码

type Errno struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *Errno) Error() string {
	return e.Message
}

var (
	OK = &Errno{Code: 200, Message: "Success"}

	ErrInvalidParam = &Errno{Code: 400, Message: "Invalid parameter"}
	ErrNotFound     = &Errno{Code: 404, Message: "Not found"}
	ErrConflict     = &Errno{Code: 409, Message: "Conflict"}

	ErrInternalServer = &Errno{Code: 500, Message: "Internal server error"}
	ErrDatabase       = &Errno{Code: 501, Message: "Database error"}
	ErrUnknown        = &Errno{Code: 510, Message: "Unknown error"}

	// 音频流水线错误码
	ErrTrackNotFound       = &Errno{Code: 20001, Message: "Track not found"}
	ErrStemNotFound        = &Errno{Code: 20002, Message: "Stem not found"}
	ErrTrackIDRequired     = &Errno{Code: 20003, Message: "Track ID is required"}
	ErrStemIDRequired      = &Errno{Code: 20004, Message: "Stem ID is required"}
	ErrUnsupportedFormat   = &Errno{Code: 20005, Message: "Unsupported audio format"}
	ErrTrackPendingDelete  = &Errno{Code: 20006, Message: "Track is pending deletion"}
	ErrEnqueueFailed       = &Errno{Code: 20007, Message: "Failed to enqueue job"}
	ErrInvalidStatusChange = &Errno{Code: 20008, Message: "Invalid conversion status transition"}
	ErrWorkerNotFound      = &Errno{Code: 20009, Message: "Worker not found"}
	ErrRegistryUnavailable = &Errno{Code: 20010, Message: "Worker registry unavailable"}
)

// BizError 携带错误码与原始错误
type BizError struct {
	Errno *Errno
	Cause error
}

// NewBizError 包装业务错误
func NewBizError(e *Errno, cause error) *BizError {
	return &BizError{Errno: e, Cause: cause}
}

func (e *BizError) Error() string {
	if e.Cause == nil {
		return e.Errno.Message
	}
	return fmt.Sprintf("%s: %v", e.Errno.Message, e.Cause)
}

func (e *BizError) Unwrap() error { return e.Cause }

// Is 使 errors.Is 可以按错误码匹配
func (e *BizError) Is(target error) bool {
	t, ok := target.(*Errno)
	return ok && t == e.Errno
}
