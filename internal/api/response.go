package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// fallbackErrorBody is written when a response cannot be encoded.
const fallbackErrorBody = `{"status":"error","message":"Internal server error"}`

// writeJSONResponse encodes response before touching headers, so an encoding
// failure still yields a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		data = []byte(fallbackErrorBody)
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Server.writeJSONResponse: write failed", "error", err)
	}
}
