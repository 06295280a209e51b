// Package respond writes the JSON envelope shared by every endpoint.
package respond

import (
	"encoding/json"
	"net/http"
)

type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func Success(w http.ResponseWriter, status int, data any) {
	JSON(w, status, struct {
		Success bool `json:"success"`
		Data    any  `json:"data"`
	}{true, data})
}

// Error writes a failure envelope. details is dropped when exposeDetails is
// false so production responses never carry internals.
func Error(w http.ResponseWriter, status int, code, message string, details any, exposeDetails bool) {
	env := Envelope{Error: code, Message: message}
	if exposeDetails {
		env.Details = details
	}
	JSON(w, status, env)
}
