package chat

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrBlocked      = errors.New("blocked")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
)

// Wire codes reported to clients.
const (
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeBlocked      = "blocked"
	CodeValidation   = "validation"
	CodeForbidden    = "forbidden"
	CodeInternal     = "internal"
)

// Code maps an error to its wire code. Anything unrecognized is internal.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBlocked):
		return CodeBlocked
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(code string) bool {
	return code == CodeInternal
}

// HTTPStatus maps a wire code to its HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBlocked, CodeForbidden:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text shown to clients. Internal details are never exposed.
func PublicMessage(err error) string {
	if Code(err) == CodeInternal {
		return "internal error, please retry"
	}
	return err.Error()
}
