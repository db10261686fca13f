package errno

import (
	"errors"
	"fmt"
)

// ToolExecutionError 外部程序非零退出、被信号终止或不存在
type ToolExecutionError struct {
	Tool     string
	ExitInfo string
	Stderr   string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed: %s", e.Tool, e.ExitInfo)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Tool, e.ExitInfo, e.Stderr)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ConversionError 源文件损坏或格式不支持，不重试
type ConversionError struct {
	Op     string
	Reason string
	Err    error
}

// NewConversionError 构造转换错误
func NewConversionError(op, format string, args ...interface{}) *ConversionError {
	return &ConversionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conversion %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("conversion %s: %s", e.Op, e.Reason)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// StorageError 上传、下载或删除失败
type StorageError struct {
	Op       string
	Location string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// QuotaExceededError 软性错误，只跳过重量级转换并发出告警
type QuotaExceededError struct {
	UserID         string
	UsedSeconds    float64
	AllowedSeconds float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for user %s: used %.1fs of %.1fs", e.UserID, e.UsedSeconds, e.AllowedSeconds)
}

// TransactionError 产物上传后持久化失败
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// MixError 混音输入不合法
type MixError struct {
	Reason string
}

func (e *MixError) Error() string { return "mix: " + e.Reason }

// NotFoundError 任务引用的记录不存在
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsRetryable 判断队列是否应该重试该错误
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return false
	}
	var mixErr *MixError
	if errors.As(err, &mixErr) {
		return false
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return false
	}
	var quotaErr *QuotaExceededError
	return !errors.As(err, &quotaErr)
}

// IsNotFound 判断记录是否缺失
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
