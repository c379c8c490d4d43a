package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorEnvelope is the uniform error body for every facade endpoint.
type errorEnvelope struct {
	Error string `json:"error"`
}

// writeJSON serializes data fully before any byte reaches the wire, so an
// encoding failure becomes a clean 500 instead of a truncated 200.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.ErrorContext(ctx, "encoding response failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		// Client went away mid-response; nothing actionable.
		slog.DebugContext(ctx, "writing response failed", "error", err)
	}
}

// writeJSONError responds with the facade's error envelope. Messages are the
// fixed sentinel texts; nothing caller- or provider-supplied is echoed back.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, errorEnvelope{Error: message}, status)
}
