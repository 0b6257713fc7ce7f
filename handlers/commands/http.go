package commands

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"drawings-core/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// maxArgsBytes matches the socket.io buffer limit.
const maxArgsBytes = 5 * 1024 * 1024

// Response is the Result<T, String> envelope every command answers with.
type Response struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// StatusFor maps a command error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleInvoke runs the command named in the URL with the request body as
// its arguments.
func HandleInvoke(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		command := chi.URLParam(r, "command")
		log := d.log.WithField("command", command)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArgsBytes))
		if err != nil {
			log.WithError(err).Error("Failed to read request body")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, Response{Error: "failed to read request body"})
			return
		}

		result, err := d.Invoke(r.Context(), command, json.RawMessage(body))
		if err != nil {
			render.Status(r, StatusFor(err))
			render.JSON(w, r, Response{Error: err.Error()})
			return
		}

		log.Debug("Command completed")
		render.JSON(w, r, Response{OK: true, Result: result})
	}
}

// HandleHealth reports whether the store can be reached.
func HandleHealth(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := d.Invoke(r.Context(), HealthCheck, nil); err != nil {
			d.log.WithError(err).Warn("Health check failed")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}

// Routes mounts the command endpoints.
func Routes(d *Dispatcher) chi.Router {
	r := chi.NewRouter()
	r.Post("/{command}", HandleInvoke(d))
	return r
}
