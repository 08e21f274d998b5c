package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/pipeline"
)

// envelope is the body of every JSON response
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Count   *int       `json:"count,omitempty"`
	Query   *string    `json:"query,omitempty"`
	Message string     `json:"message,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Category pipeline.Class `json:"category"`
	Message  string         `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps err to a status code and category. Internal errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	class := pipeline.Classify(err)
	status := statusFor(err, class)

	message := err.Error()
	if class == pipeline.ClassInternal {
		slog.Error("Error handling request", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "Internal server error"
	} else {
		slog.Warn("Request failed", "method", r.Method, "path", r.URL.Path, "category", class, "error", err)
	}

	writeJSON(w, status, envelope{
		Error: &errorBody{Category: class, Message: message},
	})
}

func statusFor(err error, class pipeline.Class) int {
	switch class {
	case pipeline.ClassInput:
		switch {
		case errors.Is(err, pipeline.ErrFileTooLarge):
			return http.StatusRequestEntityTooLarge
		case errors.Is(err, pipeline.ErrUnsupportedContentType):
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case pipeline.ClassNotFound:
		return http.StatusNotFound
	case pipeline.ClassExternal:
		if errors.Is(err, extraction.ErrModelUnavailable) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
