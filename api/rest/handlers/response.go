package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/DataInsightAutomation/trainingFramework/core/service"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeJSON(w, r, status, ErrorResponse{Detail: detail})
}

// decodeRequest reads a JSON body into v and checks its validate tags
func decodeRequest(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed on %s", fe.Field(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// writeServiceError maps service errors to status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid     *service.ErrInvalidRequest
		notFound    *service.ErrJobNotFound
		unavailable *service.ErrServiceUnavailable
	)
	switch {
	case errors.As(err, &invalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.As(err, &unavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		zap.S().Named("handlers").Errorw("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}
