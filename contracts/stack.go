package contracts

import (
	"fmt"
	"runtime"
)

const maxStackDepth = 50

// DetailsFromError builds exception details for err, capturing the caller's
// stack. skip counts frames above the caller to leave out (0 reports the
// caller itself as the top frame).
func DetailsFromError(err error, skip int) ExceptionDetails {
	typeName := fmt.Sprintf("%T", err)
	message := err.Error()
	if message == "" {
		message = typeName
	}
	return ExceptionDetails{
		ID:           1,
		TypeName:     typeName,
		Message:      message,
		HasFullStack: true,
		ParsedStack:  capturedStack(skip + 2),
	}
}

func capturedStack(skip int) []StackFrame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := make([]StackFrame, 0, n)
	level := 0
	for {
		frame, more := frames.Next()
		out = append(out, StackFrame{
			Level:    level,
			Method:   frame.Function,
			Assembly: frame.Function[:packageEnd(frame.Function)],
			FileName: frame.File,
			Line:     frame.Line,
		})
		level++
		if !more {
			break
		}
	}
	return out
}

// packageEnd finds where the package path ends in a fully qualified
// function name like "pkg/path.Type.Method".
func packageEnd(fn string) int {
	lastSlash := 0
	for i := 0; i < len(fn); i++ {
		if fn[i] == '/' {
			lastSlash = i
		}
	}
	for i := lastSlash; i < len(fn); i++ {
		if fn[i] == '.' {
			return i
		}
	}
	return len(fn)
}
