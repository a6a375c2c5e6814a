package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorType represents the classification of errors for retry logic
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
)

// TransientError marks an error that can be retried.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks an error that should not be retried.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ValidationError reports rejected operator input. The HTTP layer maps it to
// a 400 response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing resource (account, task, record, thread).
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// PluginUnavailableError reports that no plugin covers a platform/capability
// pair. Callers surface it as "platform not supported".
type PluginUnavailableError struct {
	Platform   string
	Capability string
}

func (e *PluginUnavailableError) Error() string {
	return fmt.Sprintf("platform %s does not support %s", e.Platform, e.Capability)
}

// SessionInvalidError reports an expired or rejected platform session. The
// account must be re-logged-in before the operation can succeed.
type SessionInvalidError struct {
	Platform  string
	AccountID string
	Err       error
}

func (e *SessionInvalidError) Error() string {
	msg := fmt.Sprintf("session invalid for %s account %s", e.Platform, e.AccountID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionInvalidError) Unwrap() error {
	return e.Err
}

// TabUnhealthyError reports a browser tab that failed a health or readiness
// check and needs repair.
type TabUnhealthyError struct {
	TabID  string
	Reason string
}

func (e *TabUnhealthyError) Error() string {
	return fmt.Sprintf("tab %s unhealthy: %s", e.TabID, e.Reason)
}

// TimeoutError reports a phase that exceeded its deadline (tab readiness,
// publish confirmation, login scan, sync request).
type TimeoutError struct {
	Phase string
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Phase, e.Limit)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// QuarantinedError reports an operation rejected because the account's sync
// task hit its consecutive-failure limit and was disabled.
type QuarantinedError struct {
	AccountKey string
	Failures   int
}

func (e *QuarantinedError) Error() string {
	return fmt.Sprintf("account %s quarantined after %d consecutive failures", e.AccountKey, e.Failures)
}

// IsTransient checks if an error is retry-able
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Explicit markers win.
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Domain classifications.
	var tabErr *TabUnhealthyError
	if errors.As(err, &tabErr) {
		return true
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var sessionErr *SessionInvalidError
	if errors.As(err, &sessionErr) {
		return false
	}
	var pluginErr *PluginUnavailableError
	if errors.As(err, &pluginErr) {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	// Network errors (connection refused, reset, DNS, deadline).
	if isNetworkError(err) {
		return true
	}
	if isSyscallError(err) {
		return true
	}

	return false
}

// IsPermanent checks if an error is non-retry-able
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}

	var sessionErr *SessionInvalidError
	if errors.As(err, &sessionErr) {
		return true
	}
	var pluginErr *PluginUnavailableError
	if errors.As(err, &pluginErr) {
		return true
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return true
	}
	var quarantineErr *QuarantinedError
	if errors.As(err, &quarantineErr) {
		return true
	}

	if IsTransient(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	permanentPatterns := []string{
		"not found",
		"permission denied",
		"invalid",
		"unauthorized",
		"forbidden",
		"bad request",
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// GetErrorType classifies an error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	// Default to permanent to avoid infinite retries
	return ErrorTypePermanent
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"deadline exceeded",
		"websocket: close",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.ETIMEDOUT:
			return true
		}
	}
	return false
}
