package service

import (
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
)

// RegisterErrorHandler registers the custom error handler on the echo instance.
func RegisterErrorHandler(e *echo.Echo, logger log.Logger) {
	e.HTTPErrorHandler = NewHTTPErrorHandler(NewErrorCodeToStatusCodeMap(), logger).Handler
}

// NewErrorCodeToStatusCodeMap creates the error code to http status mapping.
func NewErrorCodeToStatusCodeMap() map[string]int {
	var errorCodeToStatusCodeMap = make(map[string]int)
	errorCodeToStatusCodeMap[ErrValidation] = http.StatusBadRequest
	errorCodeToStatusCodeMap[ErrEntityNotFound] = http.StatusNotFound
	errorCodeToStatusCodeMap[ErrAuth] = http.StatusUnauthorized
	errorCodeToStatusCodeMap[ErrUpstreamUnavailable] = http.StatusServiceUnavailable
	errorCodeToStatusCodeMap[ErrInternal] = http.StatusInternalServerError

	return errorCodeToStatusCodeMap
}

// HTTPErrorHandler is an error handler.
type HTTPErrorHandler struct {
	errorCodeToHTTPStatusCodeMap map[string]int
	logger                       log.Logger
}

// NewHTTPErrorHandler creates a new instance of the HTTPErrorHandler.
func NewHTTPErrorHandler(errorCodeToStatusCodeMap map[string]int, logger log.Logger) *HTTPErrorHandler {
	return &HTTPErrorHandler{
		errorCodeToHTTPStatusCodeMap: errorCodeToStatusCodeMap,
		logger:                       logger,
	}
}

func (h *HTTPErrorHandler) getStatusCode(errorCode string) int {
	status, ok := h.errorCodeToHTTPStatusCodeMap[errorCode]
	if ok {
		return status
	}
	return http.StatusInternalServerError
}

// Handler handles errors returned by echo handlers.
func (h *HTTPErrorHandler) Handler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	meshErr := ToMeshError(err)
	if meshErr == nil {
		meshErr = NewMeshError(ErrInternal, "an internal server error has occurred", err)
	}

	var statusCode int
	var he *echo.HTTPError
	if he, _ = err.(*echo.HTTPError); he != nil {
		m, _ := he.Message.(string)
		code := ErrInternal
		if he.Code >= http.StatusBadRequest && he.Code < http.StatusInternalServerError {
			code = ErrValidation
		}
		meshErr = NewMeshError(code, m, err)
		statusCode = he.Code
	} else {
		statusCode = h.getStatusCode(meshErr.Code)
	}

	level.Error(h.logger).Log(
		"msg", "HTTP request error",
		"err", err,
	)

	// Send response
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead && he != nil {
			_ = c.NoContent(he.Code)
		} else {
			_ = c.JSON(statusCode, ErrResponse{Error: meshErr})
		}
	}
}

// ErrResponse from server.
type ErrResponse struct {
	Error *MeshError `json:"error,omitempty"`
}
