package upstream

import (
	"context"
	"errors"
	"net/http"

	"github.com/jkoelker/solara-proxy/log"
)

// Upstream errors.
var (
	// ErrInvalidTarget is returned when an audio target is not an http(s) URL
	// on an allow-listed host.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrMissingParameter is returned when the forwarded API query has no
	// types parameter.
	ErrMissingParameter = errors.New("missing types")

	// ErrUpstreamFetch is returned when the upstream could not be reached.
	ErrUpstreamFetch = errors.New("upstream fetch error")

	// ErrRedirectNotAllowed is returned when an audio host redirects off the
	// allow-list. It surfaces wrapped in ErrUpstreamFetch.
	ErrRedirectNotAllowed = errors.New("redirect to host not allowed")

	// ErrTooManyRedirects is returned after maxRedirects hops.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Plain text bodies written for each error.
const (
	invalidTargetText = "Invalid target"
	missingTypesText  = "Missing types"
	fetchErrorText    = "Upstream fetch error"
	internalErrorText = "Internal error"
)

// WriteError maps err to its status code and writes a short plain text body.
func WriteError(ctx context.Context, writer http.ResponseWriter, err error) {
	status, text := http.StatusInternalServerError, internalErrorText

	switch {
	case errors.Is(err, ErrInvalidTarget):
		status, text = http.StatusBadRequest, invalidTargetText
	case errors.Is(err, ErrMissingParameter):
		status, text = http.StatusBadRequest, missingTypesText
	case errors.Is(err, ErrUpstreamFetch):
		status, text = http.StatusBadGateway, fetchErrorText
	}

	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writer.WriteHeader(status)

	if _, err := writer.Write([]byte(text)); err != nil {
		log.Error(ctx, err, "Failed to write error response")
	}
}
