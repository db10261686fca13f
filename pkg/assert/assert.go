package assert

import (
	"fmt"
	"reflect"
	"runtime"
)

// NotNil 单例构造完成后校验非空
func NotNil(v interface{}) {
	if v == nil {
		panic("assert: unexpected nil value")
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("assert: unexpected nil %T", v))
		}
	}
}

// NotCircular 检测单例构造过程中的循环依赖：调用方函数在栈上出现两次即视为循环
func NotCircular() {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	if n == 0 {
		return
	}
	frames := runtime.CallersFrames(pcs[:n])
	first, more := frames.Next()
	caller := first.Function
	for more {
		var f runtime.Frame
		f, more = frames.Next()
		if f.Function == caller {
			panic(fmt.Sprintf("assert: circular initialization detected in %s", caller))
		}
	}
}
