// Package drawings exposes the drawing commands as REST resources nested
// under a source.
package drawings

import (
	"encoding/json"
	"errors"
	"net/http"

	"drawings-core/core"
	"drawings-core/handlers/commands"
	"drawings-core/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

func invoke(d *commands.Dispatcher, w http.ResponseWriter, r *http.Request, command string, args map[string]string) (any, bool) {
	raw, err := json.Marshal(args)
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to encode arguments"})
		return nil, false
	}

	result, err := d.Invoke(r.Context(), command, raw)
	if err != nil {
		render.Status(r, commands.StatusFor(err))
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return nil, false
	}
	return result, true
}

func HandleList(d *commands.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID := chi.URLParam(r, "sourceId")
		result, ok := invoke(d, w, r, commands.LoadDrawings, map[string]string{"source_id": sourceID})
		if !ok {
			return
		}
		render.JSON(w, r, result)
	}
}

// HandleGet writes the stored payload as is.
func HandleGet(store core.DrawingStore, log logrus.FieldLogger) http.HandlerFunc {
	log = telemetry.OrDiscard(log)
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID := chi.URLParam(r, "sourceId")
		id := chi.URLParam(r, "id")

		fields := logrus.Fields{"source_id": sourceID, "id": id}
		drawing, err := store.Get(r.Context(), sourceID, id)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				log.WithFields(fields).Warn("Drawing not found")
			} else {
				log.WithFields(fields).WithError(err).Error("Failed to get drawing")
			}
			render.Status(r, commands.StatusFor(err))
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(commands.NewDrawingView(drawing).Payload); err != nil {
			log.WithFields(fields).WithError(err).Warn("Failed to write drawing")
		}
	}
}

// HandleClear is the REST form of clear_drawings.
func HandleClear(d *commands.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID := chi.URLParam(r, "sourceId")
		if _, ok := invoke(d, w, r, commands.ClearDrawings, map[string]string{"source_id": sourceID}); !ok {
			return
		}
		render.NoContent(w, r)
	}
}

func HandleDelete(d *commands.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]string{
			"source_id": chi.URLParam(r, "sourceId"),
			"id":        chi.URLParam(r, "id"),
		}
		if _, ok := invoke(d, w, r, commands.DeleteDrawing, args); !ok {
			return
		}
		render.NoContent(w, r)
	}
}

// Register adds the resources below /{sourceId}/drawings to r.
func Register(r chi.Router, d *commands.Dispatcher, store core.DrawingStore, log logrus.FieldLogger) {
	r.Route("/{sourceId}/drawings", func(r chi.Router) {
		r.Get("/", HandleList(d))
		r.Delete("/", HandleClear(d))
		r.Get("/{id}", HandleGet(store, log))
		r.Delete("/{id}", HandleDelete(d))
	})
}
