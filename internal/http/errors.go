package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failure.
type ErrorBody struct {
	Code        apperr.Code         `json:"code"`
	Message     string              `json:"message"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
	Diagnostics *apperr.Diagnostics `json:"diagnostics,omitempty"`
}

// Validate implements echo.Validator.
func (s *Server) Validate(i any) error {
	err := s.validate.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation(apperr.CodeInvalidInput, err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return apperr.Validation(apperr.CodeInvalidInput, strings.Join(msgs, "; "))
}

// handleError renders err as an ErrorResponse.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := errorBody(err)
	if status >= 500 {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, ErrorResponse{Error: body})
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "write error response", zap.Error(err))
	}
}

func errorBody(err error) (int, ErrorBody) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body := ErrorBody{Code: ae.Code, Message: ae.Message, Metadata: ae.Metadata, Diagnostics: ae.Diagnostics}
		return ae.Kind.HTTPStatus(), body
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := apperr.CodeInvalidInput
		switch he.Code {
		case http.StatusNotFound:
			code = apperr.CodeNotFound
		case http.StatusMethodNotAllowed:
			code = apperr.CodeInvalidInput
		default:
			if he.Code >= 500 {
				code = apperr.CodeUnknown
			}
		}
		return he.Code, ErrorBody{Code: code, Message: fmt.Sprint(he.Message)}
	}

	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, ErrorBody{Code: apperr.CodeNotFound, Message: err.Error()}
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return http.StatusConflict, ErrorBody{Code: apperr.CodeAlreadyExists, Message: err.Error()}
	}
	if errors.Is(err, store.ErrConcurrentUpdate) {
		return http.StatusConflict, ErrorBody{Code: apperr.CodeConcurrentUpdate, Message: err.Error()}
	}
	return http.StatusInternalServerError, ErrorBody{Code: apperr.CodeUnknown, Message: "internal server error"}
}
