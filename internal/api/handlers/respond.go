// Package handlers provides HTTP handlers for the claims API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/api/middleware"
	"github.com/justdick/hms-sub020/internal/domain/errs"
)

var validate = validator.New()

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// statusFor maps the domain error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidTransition), errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrLedgerInconsistency):
		// held for manual review
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error(), Code: errs.Code(err)}
	var verr *errs.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		body.Error = "internal server error"
	}
	writeJSON(w, code, body)
}

// decode reads an optional JSON body into v and validates it. An empty body
// leaves v at its zero value.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.Validation("", fmt.Sprintf("invalid request body: %v", err))
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errs.Validation(verrs[0].Field(), fmt.Sprintf("failed %q constraint", verrs[0].Tag()))
		}
		return errs.Validation("", err.Error())
	}
	return nil
}

// actorOf prefers an explicit actor and falls back to the API client.
func actorOf(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return middleware.GetClientID(r.Context())
}
