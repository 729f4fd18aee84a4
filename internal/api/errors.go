package api

import (
	"errors"
	"net/http"

	"securenotes-backend/internal/service"

	"github.com/rs/zerolog/hlog"
)

type errorResponse struct {
	status  int
	message string
	// detail exposes the underlying error text to the client.
	detail bool
}

// errorResponses maps every service error kind to an HTTP response.
var errorResponses = [...]errorResponse{
	service.KindInternal:        {http.StatusInternalServerError, "internal server error", false},
	service.KindNotFound:        {http.StatusNotFound, "not found", false},
	service.KindForbidden:       {http.StatusForbidden, "forbidden", false},
	service.KindUnauthenticated: {http.StatusUnauthorized, "unauthenticated", false},
	service.KindInvalidInput:    {http.StatusBadRequest, "invalid input", true},
	service.KindConflict:        {http.StatusConflict, "conflict", true},
}

// Fails to compile when a kind is added without a response.
var _ = [1]struct{}{}[len(errorResponses)-int(service.KindCount)]

// respondWithServiceError writes the response for an error returned by a
// service. Internal errors are logged and never echoed.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.KindOf(err)
	resp := errorResponses[kind]

	if kind == service.KindInternal {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	} else {
		hlog.FromRequest(r).Debug().Err(err).Str("kind", kind.String()).Msg("request rejected")
	}

	message := resp.message
	var e *service.Error
	if resp.detail && errors.As(err, &e) && e.Err != nil {
		message += ": " + e.Err.Error()
	}
	h.respondWithError(w, resp.status, message)
}
