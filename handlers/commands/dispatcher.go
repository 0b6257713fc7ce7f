package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"drawings-core/core"
	"drawings-core/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	ClearDrawings = "clear_drawings"
	SaveDrawing   = "save_drawing"
	LoadDrawings  = "load_drawings"
	DeleteDrawing = "delete_drawing"
	ListSources   = "list_sources"
	HealthCheck   = "db_health_check"
)

// Shell plugins namespace their commands, e.g. "plugin:db|clear_drawings".
const pluginPrefix = "plugin:db|"

var ErrUnknownCommand = errors.New("unknown command")

type (
	// Handler runs one command. args is the raw JSON argument object.
	Handler func(ctx context.Context, args json.RawMessage) (any, error)

	// Notifier is told about every successful mutation of a source.
	Notifier interface {
		DrawingsChanged(sourceID, reason string)
	}

	DrawingView struct {
		ID        string          `json:"id"`
		SourceID  string          `json:"source_id"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt int64           `json:"created_at"`
		UpdatedAt int64           `json:"updated_at"`
	}

	SaveResult struct {
		ID string `json:"id"`
	}
)

// Dispatcher routes named commands to the drawing store.
type Dispatcher struct {
	store core.Store
	log   logrus.FieldLogger

	mu       sync.RWMutex
	notifier Notifier
	handlers map[string]Handler
}

func NewDispatcher(store core.Store, log logrus.FieldLogger) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		log:      telemetry.OrDiscard(log),
		handlers: make(map[string]Handler),
	}
	d.Register(ClearDrawings, d.clearDrawings)
	d.Register(SaveDrawing, d.saveDrawing)
	d.Register(LoadDrawings, d.loadDrawings)
	d.Register(DeleteDrawing, d.deleteDrawing)
	d.Register(ListSources, d.listSources)
	d.Register(HealthCheck, d.healthCheck)
	return d
}

func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

func (d *Dispatcher) SetNotifier(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = n
}

// Commands lists the registered command names in order.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named command. Empty args are treated as {}.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	name = strings.TrimPrefix(name, pluginPrefix)

	d.mu.RLock()
	h, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(args) {
		return nil, core.Invalid(name, "arguments are not valid JSON")
	}

	result, err := h(ctx, args)
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"command": name,
			"kind":    core.KindOf(err),
		}).WithError(err).Warn("Command failed")
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) notify(sourceID, reason string) {
	d.mu.RLock()
	n := d.notifier
	d.mu.RUnlock()
	if n != nil {
		n.DrawingsChanged(sourceID, reason)
	}
}

// stringArg returns the first of keys present in args as a string.
func stringArg(args gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := args.Get(key); v.Exists() {
			if v.Type != gjson.String {
				return ""
			}
			return v.Str
		}
	}
	return ""
}

func sourceArg(args json.RawMessage) string {
	return stringArg(gjson.ParseBytes(args), "source_id", "sourceId")
}

func (d *Dispatcher) clearDrawings(ctx context.Context, args json.RawMessage) (any, error) {
	sourceID := sourceArg(args)
	removed, err := d.store.DeleteBySource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		d.notify(sourceID, "cleared")
	}
	return nil, nil
}

func (d *Dispatcher) saveDrawing(ctx context.Context, args json.RawMessage) (any, error) {
	drawing := gjson.GetBytes(args, "drawing")
	if !drawing.IsObject() {
		return nil, core.Invalid(SaveDrawing, "drawing object is required")
	}

	record := &core.Drawing{
		ID:       stringArg(drawing, "id"),
		SourceID: stringArg(drawing, "sourceId", "source_id"),
		Payload:  []byte(drawing.Raw),
	}
	if err := d.store.Save(ctx, record); err != nil {
		return nil, err
	}

	d.notify(record.SourceID, "saved")
	return SaveResult{ID: record.ID}, nil
}

func (d *Dispatcher) loadDrawings(ctx context.Context, args json.RawMessage) (any, error) {
	drawings, err := d.store.List(ctx, sourceArg(args))
	if err != nil {
		return nil, err
	}

	views := make([]DrawingView, 0, len(drawings))
	for _, drawing := range drawings {
		views = append(views, NewDrawingView(drawing))
	}
	return views, nil
}

// deleteDrawing removes one drawing. Without a source id every source is
// searched, as the shell addresses drawings by id alone.
func (d *Dispatcher) deleteDrawing(ctx context.Context, args json.RawMessage) (any, error) {
	id := stringArg(gjson.ParseBytes(args), "id")
	if err := core.ValidateDrawingID(DeleteDrawing, id); err != nil {
		return nil, err
	}

	sourceID := sourceArg(args)
	if sourceID != "" {
		if err := d.store.Delete(ctx, sourceID, id); err != nil {
			return nil, err
		}
		d.notify(sourceID, "deleted")
		return nil, nil
	}

	sources, err := d.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if _, err := d.store.Get(ctx, src.ID, id); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if err := d.store.Delete(ctx, src.ID, id); err != nil {
			return nil, err
		}
		d.notify(src.ID, "deleted")
	}
	return nil, nil
}

func (d *Dispatcher) listSources(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.store.ListSources(ctx)
}

func (d *Dispatcher) healthCheck(ctx context.Context, _ json.RawMessage) (any, error) {
	if _, err := d.store.ListSources(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

// NewDrawingView exposes a record with its payload inlined when it is JSON.
func NewDrawingView(d *core.Drawing) DrawingView {
	view := DrawingView{
		ID:        d.ID,
		SourceID:  d.SourceID,
		CreatedAt: d.CreatedAt.UnixMilli(),
		UpdatedAt: d.UpdatedAt.UnixMilli(),
	}
	switch {
	case len(d.Payload) == 0:
		view.Payload = json.RawMessage("null")
	case gjson.ValidBytes(d.Payload):
		view.Payload = json.RawMessage(d.Payload)
	default:
		quoted, _ := json.Marshal(string(d.Payload))
		view.Payload = quoted
	}
	return view
}
