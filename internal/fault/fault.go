// Package fault defines the error kinds shared by every reelvault component.
//
// Components wrap one of the sentinels below with context using
// fmt.Errorf("...: %w", fault.ErrX). Callers classify with errors.Is, and the
// outer boundary renders only Public(err), never err.Error().
package fault

import (
	"errors"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrConflict            = errors.New("conflict")
	ErrCrypto              = errors.New("cryptographic failure")
	ErrIO                  = errors.New("io failure")
	ErrInternal            = errors.New("internal error")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

type kind struct {
	sentinel error
	public   string
	status   int
}

// Order matters: the first matching kind wins when an error wraps several.
var kinds = []kind{
	{ErrRangeNotSatisfiable, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable},
	{ErrValidation, "invalid request", http.StatusBadRequest},
	{ErrNotFound, "not found", http.StatusNotFound},
	{ErrAccessDenied, "access denied", http.StatusForbidden},
	{ErrConflict, "conflict", http.StatusConflict},
	{ErrCrypto, "cryptographic operation failed", http.StatusInternalServerError},
	{ErrIO, "storage unavailable", http.StatusInternalServerError},
	{ErrInternal, "internal error", http.StatusInternalServerError},
}

// Kind returns the sentinel err is classified as, or ErrInternal.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.sentinel
		}
	}
	return ErrInternal
}

// Public returns a generic message that is safe to show to a client.
func Public(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.public
		}
	}
	return "internal error"
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether err is a transient I/O failure. Access and
// cryptographic failures are never retryable, even if they also wrap ErrIO.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrCrypto) || errors.Is(err, ErrNotFound) {
		return false
	}
	return errors.Is(err, ErrIO)
}
