package rtc

import (
	"fmt"
	"strings"
)

// Permission failure codes. Each maps one class of capture failure so the
// call layer can surface an actionable message instead of a raw driver error.
const (
	CodeInsecureContext  = "insecure-context"
	CodeNotSupported     = "unsupported"
	CodePermissionDenied = "permission-denied"
	CodeDeviceNotFound   = "device-not-found"
	CodeDeviceInUse      = "device-in-use"
	CodeOverconstrained  = "overconstrained"
	CodeSecurityError    = "security-error"
)

// PermissionError is a classified media-capture failure.
type PermissionError struct {
	Code string
	Err  error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rtc: media %s", e.Code)
	}
	return fmt.Sprintf("rtc: media %s: %v", e.Code, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// classifyCaptureErr maps a driver error onto a permission code. Driver
// errors are free-form strings; match conservatively and fall back to
// device-not-found, the most common real cause.
func classifyCaptureErr(err error) *PermissionError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return &PermissionError{Code: CodePermissionDenied, Err: err}
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return &PermissionError{Code: CodeDeviceInUse, Err: err}
	case strings.Contains(msg, "overconstrained") || strings.Contains(msg, "constraint"):
		return &PermissionError{Code: CodeOverconstrained, Err: err}
	case strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported"):
		return &PermissionError{Code: CodeNotSupported, Err: err}
	default:
		return &PermissionError{Code: CodeDeviceNotFound, Err: err}
	}
}
