// Package errs defines the failure taxonomy shared by the retrieval pipeline.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfig indicates invalid chunking, threshold or provider parameters.
	ErrConfig = errors.New("configuration error")

	// ErrEmptyCorpus indicates an index build was attempted with no entries.
	ErrEmptyCorpus = errors.New("empty corpus")

	// ErrNotReady indicates no index has been built or loaded yet.
	ErrNotReady = errors.New("index not ready")

	// ErrCorruptIndex indicates persisted index artifacts are inconsistent.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrInvalidArgument indicates bad request parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrExternalService indicates an embedding or completion call failed
	// after the retry budget was spent.
	ErrExternalService = errors.New("external service error")

	// ErrServiceUnavailable indicates an answer could not be produced.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrTimeout indicates the request exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrUnauthorized indicates a missing or invalid API token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Config wraps ErrConfig with a formatted message.
func Config(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// InvalidArgument wraps ErrInvalidArgument with a formatted message.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Corrupt wraps ErrCorruptIndex with a formatted message.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptIndex, fmt.Sprintf(format, args...))
}

// FromContext turns a context deadline into ErrTimeout and leaves any other
// error untouched.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrNotReady),
		errors.Is(err, ErrEmptyCorpus),
		errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ErrExternalService):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
