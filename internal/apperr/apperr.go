// Package apperr defines the error taxonomy shared by every component:
// storage, sandbox, plugin manager, and the AI router all return errors
// wrapping one of these Kinds rather than ad-hoc sentinel values, so that
// the IPC boundary (api/) can always render {error, code} without special
// casing per subsystem.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindPermissionDenied    Kind = "permission_denied"
	KindSandboxDisposed     Kind = "sandbox_disposed"
	KindNotInitialized      Kind = "not_initialized"
	KindTimeout             Kind = "timeout"
	KindProviderError       Kind = "provider_error"
	KindStorageBusy         Kind = "storage_busy"
	KindConstraintViolation Kind = "constraint_violation"
	KindUnknown             Kind = "unknown"
)

// Error is the single error type every internal package returns for
// caller-visible failures. Kind is a stable tag; Message is safe to
// surface to a caller; Err, when set, carries the underlying cause for
// logging but is never serialized.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Retryable and RetryAfterMs only apply to KindProviderError, per the
	// §4.I provider error taxonomy.
	Retryable    bool
	RetryAfterMs int64
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(message string) *Error         { return New(KindNotFound, message) }
func Validation(message string) *Error       { return New(KindValidation, message) }
func PermissionDenied(message string) *Error { return New(KindPermissionDenied, message) }

func ProviderError(message string, retryable bool, retryAfterMs int64) *Error {
	return &Error{Kind: KindProviderError, Message: message, Retryable: retryable, RetryAfterMs: retryAfterMs}
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

func httpStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindSandboxDisposed, KindNotInitialized:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProviderError:
		return http.StatusBadGateway
	case KindStorageBusy:
		return http.StatusServiceUnavailable
	case KindConstraintViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Middleware recovers panics in HTTP handlers, turning them into a
// generic 500 rather than tearing down the process.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(r.Context(), "panic recovered", "panic", rec)
				http.Error(w, `{"error":"internal server error","code":"unknown"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RenderError converts every failure into the {error, code} shape the IPC
// boundary guarantees; no exception crosses the boundary.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindUnknown
	message := "internal server error"
	if e, ok := As(err); ok {
		kind = e.Kind
		message = e.Message
	} else if err != nil {
		message = err.Error()
	}

	status := httpStatus(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  kind,
	})

	slog.ErrorContext(r.Context(), "request error", "error", err, "code", kind, "status", status)
}

// RecoverTimer catches a panic in a scheduler timer callback, logs it with
// a component prefix, and lets the scheduler keep ticking.
func RecoverTimer(component string) {
	if rec := recover(); rec != nil {
		slog.Error("panic recovered in timer callback", "component", component, "panic", rec)
	}
}
