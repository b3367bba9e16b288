package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/middleware"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindAlreadyTerminal:
		return http.StatusUnprocessableEntity
	case apperr.KindExternalDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates a service error into a response. Invariant
// violations and unknown errors never expose their text.
func writeError(c echo.Context, log *slog.Logger, err error) error {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	body := errorBody{Code: apperr.CodeInternal, Message: "internal error"}

	var ae *apperr.Error
	if kind != apperr.KindInvariantViolation && errors.As(err, &ae) {
		body.Code, body.Message = ae.Code, ae.Message
	}
	if status >= http.StatusInternalServerError {
		log.ErrorContext(c.Request().Context(), "request failed",
			"method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
	}
	return c.JSON(status, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Code: apperr.CodeInvalidInput, Message: msg})
}

// Validator adapts go-playground/validator to echo.Validator.
type Validator struct {
	v *validator.Validate
}

// NewValidator reports fields by their JSON names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

func (cv *Validator) Validate(i any) error { return cv.v.Struct(i) }

// bindAndValidate decodes the body into dst and runs the struct tags. On
// failure it writes the 400 itself and reports false.
func bindAndValidate(c echo.Context, dst any) (bool, error) {
	if err := c.Bind(dst); err != nil {
		return false, badRequest(c, "invalid request body")
	}
	if err := c.Validate(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return false, badRequest(c, "invalid request body")
		}
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		return false, c.JSON(http.StatusBadRequest, errorBody{
			Code:    apperr.CodeInvalidInput,
			Message: "validation failed",
			Fields:  fields,
		})
	}
	return true, nil
}

// userID reads the ID JWTAuth stored in the context.
func userID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(middleware.CtxUserID).(uint64)
	return id, ok && id > 0
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "unauthorized"})
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}
