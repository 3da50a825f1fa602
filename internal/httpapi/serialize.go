package httpapi

import (
	"encoding/json"
	"net/http"
)

func encode(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	encode(w, status, ErrorResponse{Error: msg})
}
