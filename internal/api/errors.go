package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fieldsense/internal/model"
)

var errBadQuery = errors.New("invalid query parameter")

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnknownDevice), errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotEnoughData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadQuery),
		errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, model.ErrInvalidTimeRange),
		errors.Is(err, model.ErrUnknownAnalysis),
		errors.Is(err, model.ErrUnknownField):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrAnalysisTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var nd *model.NotEnoughDataError
	if errors.As(err, &nd) {
		body["required"] = nd.Required
		body["got"] = nd.Got
	}
	if status >= http.StatusInternalServerError && s.Logger != nil {
		s.Logger.Error("request failed", "path", c.FullPath(), "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, body)
}
