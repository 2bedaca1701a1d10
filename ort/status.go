package ort

import "fmt"

// StatusError is a failed OrtStatus converted to a Go error.
type StatusError struct {
	Op      string
	Code    ErrorCode
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == ErrorCodeOK || e.Code == ErrorCodeFail {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s (code %d)", e.Op, e.Message, e.Code)
}

// statusError converts and releases a non-zero status. Callers hold
// ortCallMu for reading, or for writing during initialization.
func statusError(op string, status uintptr) error {
	err := &StatusError{Op: op, Code: getErrorCode(status), Message: getErrorMessage(status)}
	releaseStatus(status)
	return err
}

func getErrorCode(status uintptr) ErrorCode {
	if status == 0 {
		return ErrorCodeOK
	}
	if getErrorCodeFunc == nil {
		return ErrorCodeFail
	}
	return ErrorCode(getErrorCodeFunc(status))
}

func getErrorMessage(status uintptr) string {
	if status == 0 {
		return ""
	}
	if getErrorMessageFunc == nil {
		return "unknown error (ONNX Runtime not initialized)"
	}
	return CstringToGo(getErrorMessageFunc(status))
}

func releaseStatus(status uintptr) {
	if status == 0 || releaseStatusFunc == nil {
		return
	}
	releaseStatusFunc(status)
}
