package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"bustrack/internal/geofence"
	"bustrack/internal/model"
	"bustrack/internal/opt"
	"bustrack/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string             `json:"type"`
	Title    string             `json:"title"`
	Status   int                `json:"status"`
	Detail   string             `json:"detail,omitempty"`
	Instance string             `json:"instance,omitempty"`
	Errors   []model.FieldError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	var pe *opt.ProviderError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, Problem{Type: "about:blank", Title: "Invalid request", Status: http.StatusBadRequest, Detail: ve.Error(), Instance: r.URL.Path, Errors: ve.Fields})
	case errors.Is(err, opt.ErrNoMatch):
		writeProblem(w, http.StatusNotFound, "Not Found", "no address matched; try a more specific query", r.URL.Path)
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
	case errors.As(err, &pe):
		writeProblem(w, http.StatusBadGateway, "Travel-time provider failed", err.Error(), r.URL.Path)
	case errors.Is(err, geofence.ErrPublish):
		writeProblem(w, http.StatusBadGateway, "Broadcast failed", err.Error(), r.URL.Path)
	default:
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), r.URL.Path)
	}
}

// decodeJSON reads a request body into v and validates its tags.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewValidationError(fmt.Errorf("invalid JSON: %w", err))
	}
	return model.Validate(v)
}
