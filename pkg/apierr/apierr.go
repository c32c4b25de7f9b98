// Package apierr is the error taxonomy (§7): every error the REST layer
// returns carries a stable wire-level code and the HTTP status it maps to,
// so handlers never improvise a status code from a bare error string.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable wire-level error identifier.
type Code string

const (
	CodeValidation Code = "validation_error"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeProvider   Code = "provider_error"
	CodeKube       Code = "kube_error"
	CodeHelm       Code = "helm_error"
	CodeInternal   Code = "internal_error"
)

var statusByCode = map[Code]int{
	CodeValidation: http.StatusBadRequest,
	CodeNotFound:   http.StatusNotFound,
	CodeConflict:   http.StatusConflict,
	CodeProvider:   http.StatusBadGateway,
	CodeKube:       http.StatusBadGateway,
	CodeHelm:       http.StatusBadGateway,
	CodeInternal:   http.StatusInternalServerError,
}

// Error is the taxonomy's single concrete type. Detail is what the REST
// layer puts in the {detail: string} response body; it must never leak
// internal state (stack traces, SQL, credentials).
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code this error's taxonomy code maps to.
func (e *Error) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(CodeValidation, format, args...) }
func NotFound(format string, args ...any) *Error    { return newf(CodeNotFound, format, args...) }
func Conflict(format string, args ...any) *Error    { return newf(CodeConflict, format, args...) }

// Provider wraps an error returned by an IaaS backend. detail is the
// user-facing message; err is logged server-side but never rendered.
func Provider(detail string, err error) *Error { return &Error{Code: CodeProvider, Detail: detail, Err: err} }
func Kube(detail string, err error) *Error     { return &Error{Code: CodeKube, Detail: detail, Err: err} }
func Helm(detail string, err error) *Error     { return &Error{Code: CodeHelm, Detail: detail, Err: err} }
func Internal(detail string, err error) *Error { return &Error{Code: CodeInternal, Detail: detail, Err: err} }

// As extracts an *Error from err, or wraps err as an internal_error if it
// isn't already one of the taxonomy's own errors.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal("unexpected error", err)
}
