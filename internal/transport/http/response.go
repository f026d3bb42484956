package httptransport

import (
	"encoding/json"
	"net/http"
)

// apiError is the error body shape the frontend expects: one human-readable
// detail string.
type apiError struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Detail: msg})
}
