package main

import (
	"encoding/json"
	"net/http"
)

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestIDFrom(r.Context()),
		Error:     errorDetail{Kind: kind, Message: message},
	})
}
