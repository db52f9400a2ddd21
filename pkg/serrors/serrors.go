// Package serrors defines the engine-wide error taxonomy and its HTTP
// mapping. Handlers wrap these sentinels with %w and map at the edge.
package serrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound: room, user or conversation absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict: duplicate identity key (room name, user email).
	ErrConflict = errors.New("conflict")
	// ErrForbidden: creator-only action by a non-creator, or a
	// non-member posting to a room.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidArgument: malformed input, e.g. a message with neither
	// text nor file.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable: transport or storage failure; recoverable by the
	// client via reconnect and catch-up read.
	ErrUnavailable = errors.New("unavailable")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Forbiddenf wraps ErrForbidden with context.
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrForbidden)...)
}

// InvalidArgumentf wraps ErrInvalidArgument with context.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

// Unavailablef wraps ErrUnavailable with context.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}

// HTTPStatus maps an error to its HTTP status code. Unknown errors map
// to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
