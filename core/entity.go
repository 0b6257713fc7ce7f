package core

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type (
	// Drawing is a single persisted drawing record. Payload is owned by the
	// caller and never interpreted by a store.
	Drawing struct {
		ID        string    `json:"id"`
		SourceID  string    `json:"source_id"`
		Payload   []byte    `json:"payload"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// DrawingStore defines the persistence layer for drawings.
	// All operations are scoped to a source.
	DrawingStore interface {
		// List returns every drawing of a source ordered by id.
		List(ctx context.Context, sourceID string) ([]*Drawing, error)

		// Get returns a single drawing, ErrNotFound when absent.
		Get(ctx context.Context, sourceID, id string) (*Drawing, error)

		// Save creates or updates a drawing. An empty ID is assigned by the store.
		Save(ctx context.Context, drawing *Drawing) error

		// Delete removes one drawing. Deleting an absent drawing succeeds.
		Delete(ctx context.Context, sourceID, id string) error

		// DeleteBySource removes every drawing of a source and reports how many
		// were removed. Either all of them go or none do.
		DeleteBySource(ctx context.Context, sourceID string) (int, error)
	}

	Source struct {
		ID          string `json:"id"`
		Drawings    int    `json:"drawings"`
		LastUpdated int64  `json:"last_updated"`
	}

	SourceRegistry interface {
		ListSources(ctx context.Context) ([]Source, error)
	}

	// Store is implemented by every storage backend.
	Store interface {
		DrawingStore
		SourceRegistry
		Close() error
	}
)

// Clone returns a deep copy so callers never share a store's record.
func (d *Drawing) Clone() *Drawing {
	if d == nil {
		return nil
	}
	out := *d
	if d.Payload != nil {
		out.Payload = append([]byte(nil), d.Payload...)
	}
	return &out
}

// Millis truncates t to millisecond precision, the resolution every store keeps.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func ValidateSourceID(op, sourceID string) error {
	if sourceID == "" {
		return Invalid(op, "source id is required")
	}
	return nil
}

func ValidateDrawingID(op, id string) error {
	if id == "" {
		return Invalid(op, "drawing id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return Invalid(op, "invalid drawing id %q", id)
	}
	return nil
}

// Stamp sets the timestamps of a drawing about to be saved over existing
// (nil for a new record) and assigns an id when none was given.
func (d *Drawing) Stamp(existing *Drawing, now time.Time) {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}

	ts := Millis(now)
	switch {
	case existing != nil:
		d.CreatedAt = existing.CreatedAt
	case !d.CreatedAt.IsZero():
		d.CreatedAt = Millis(d.CreatedAt)
	default:
		d.CreatedAt = ts
	}
	d.UpdatedAt = ts
}
