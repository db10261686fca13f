package vo

import "fmt"

// ConversionStatus 单个产物在某一目标格式上的转换状态
type ConversionStatus string

const (
	// ConversionNotStarted 尚未转换
	ConversionNotStarted ConversionStatus = "NOT_STARTED"
	// ConversionInProgress 转换中
	ConversionInProgress ConversionStatus = "IN_PROGRESS"
	// ConversionCompleted 已完成
	ConversionCompleted ConversionStatus = "COMPLETED"
	// ConversionFailed 失败
	ConversionFailed ConversionStatus = "FAILED"
)

// IsValid 检查状态是否有效
func (s ConversionStatus) IsValid() bool {
	switch s {
	case ConversionNotStarted, ConversionInProgress, ConversionCompleted, ConversionFailed:
		return true
	default:
		return false
	}
}

// String 返回状态字符串
func (s ConversionStatus) String() string {
	return string(s)
}

// IsFinal 完成或失败
func (s ConversionStatus) IsFinal() bool {
	return s == ConversionCompleted || s == ConversionFailed
}

// OrNotStarted 空值视为未开始
func (s ConversionStatus) OrNotStarted() ConversionStatus {
	if s == "" {
		return ConversionNotStarted
	}
	return s
}

// CanTransitionTo 检查是否可以转换到目标状态。
// 完成或失败的产物只能通过重新入队回到 IN_PROGRESS，任何路径都不能跳过 IN_PROGRESS。
func (s ConversionStatus) CanTransitionTo(target ConversionStatus) bool {
	switch s.OrNotStarted() {
	case ConversionNotStarted:
		return target == ConversionInProgress
	case ConversionInProgress:
		return target == ConversionCompleted || target == ConversionFailed
	case ConversionCompleted, ConversionFailed:
		return target == ConversionInProgress
	default:
		return false
	}
}

// StatusTransitionError 非法状态迁移
type StatusTransitionError struct {
	From ConversionStatus
	To   ConversionStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("illegal conversion status transition %s -> %s", e.From, e.To)
}

// Transition 校验并返回目标状态
func Transition(from, to ConversionStatus) (ConversionStatus, error) {
	if !from.CanTransitionTo(to) {
		return from, &StatusTransitionError{From: from.OrNotStarted(), To: to}
	}
	return to, nil
}
