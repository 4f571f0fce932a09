package conveyor

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// writeJSON encodes data as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

// writeJSONStatus writes a JSON response with a specific status code.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}

// jsonError writes a JSON-formatted error response.
func jsonError(w http.ResponseWriter, status int, errorType, message string) {
	if status >= http.StatusInternalServerError {
		slog.Warn("HTTP error", "status", status, "message", message)
	}
	writeJSONStatus(w, status, map[string]any{
		"status":    "error",
		"errorType": errorType,
		"error":     message,
	})
}
