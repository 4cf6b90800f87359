package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/jesus-bazan-entel/apimovil/internal/errors"
)

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an error body
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError maps an error to its HTTP status and sends it
func respondError(w http.ResponseWriter, err error) {
	status := apperrors.GetHTTPStatusCode(err)
	code := "INTERNAL_ERROR"
	message := "unexpected error"
	if catErr := apperrors.Categorize(err); catErr != nil {
		code = catErr.Code
		message = catErr.Message
	}
	respondJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// parseJSONBody parses a JSON request body, rejecting unknown fields
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
