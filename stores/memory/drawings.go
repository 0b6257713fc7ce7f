package memory

import (
	"context"
	"sync"
	"time"

	"drawings-core/core"
	"drawings-core/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
)

// Store keeps drawings in a btree ordered by (source_id, id), so the
// drawings of one source are always a contiguous range.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTree
	log  logrus.FieldLogger
	now  func() time.Time
}

func byKey(a, b interface{}) bool {
	d1, d2 := a.(*core.Drawing), b.(*core.Drawing)
	if d1.SourceID != d2.SourceID {
		return d1.SourceID < d2.SourceID
	}
	return d1.ID < d2.ID
}

func NewStore(log logrus.FieldLogger) *Store {
	return &Store{
		tree: btree.NewNonConcurrent(byKey),
		log:  telemetry.OrDiscard(log),
		now:  time.Now,
	}
}

// ascendSource calls fn for each drawing of sourceID in id order.
func (s *Store) ascendSource(sourceID string, fn func(d *core.Drawing) bool) {
	s.tree.Ascend(&core.Drawing{SourceID: sourceID}, func(i interface{}) bool {
		d := i.(*core.Drawing)
		if d.SourceID != sourceID {
			return false
		}
		return fn(d)
	})
}

func (s *Store) List(ctx context.Context, sourceID string) ([]*core.Drawing, error) {
	const op = "list drawings"
	if err := core.ValidateSourceID(op, sourceID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(op, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	drawings := make([]*core.Drawing, 0)
	s.ascendSource(sourceID, func(d *core.Drawing) bool {
		drawings = append(drawings, d.Clone())
		return true
	})

	s.log.WithFields(logrus.Fields{
		"source_id": sourceID,
		"count":     len(drawings),
	}).Debug("Drawings listed")
	return drawings, nil
}

func (s *Store) Get(ctx context.Context, sourceID, id string) (*core.Drawing, error) {
	const op = "get drawing"
	if err := core.ValidateSourceID(op, sourceID); err != nil {
		return nil, err
	}
	if err := core.ValidateDrawingID(op, id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(op, err)
	}

	log := s.log.WithFields(logrus.Fields{"source_id": sourceID, "drawing_id": id})

	s.mu.RLock()
	found := s.tree.Get(&core.Drawing{SourceID: sourceID, ID: id})
	s.mu.RUnlock()

	if found == nil {
		log.Warn("Drawing with specified ID not found")
		return nil, core.NotFound(op, "drawing %s not found in source %s", id, sourceID)
	}

	log.Debug("Drawing retrieved successfully")
	return found.(*core.Drawing).Clone(), nil
}

func (s *Store) Save(ctx context.Context, drawing *core.Drawing) error {
	const op = "save drawing"
	if err := core.ValidateSourceID(op, drawing.SourceID); err != nil {
		return err
	}
	if drawing.ID != "" {
		if err := core.ValidateDrawingID(op, drawing.ID); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return core.Unavailable(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *core.Drawing
	if drawing.ID != "" {
		if found := s.tree.Get(drawing); found != nil {
			existing = found.(*core.Drawing)
		}
	}
	drawing.Stamp(existing, s.now())
	s.tree.Set(drawing.Clone())

	s.log.WithFields(logrus.Fields{
		"source_id":   drawing.SourceID,
		"drawing_id":  drawing.ID,
		"data_length": len(drawing.Payload),
	}).Info("Drawing saved successfully")
	return nil
}

func (s *Store) Delete(ctx context.Context, sourceID, id string) error {
	const op = "delete drawing"
	if err := core.ValidateSourceID(op, sourceID); err != nil {
		return err
	}
	if err := core.ValidateDrawingID(op, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return core.Unavailable(op, err)
	}

	log := s.log.WithFields(logrus.Fields{"source_id": sourceID, "drawing_id": id})

	s.mu.Lock()
	removed := s.tree.Delete(&core.Drawing{SourceID: sourceID, ID: id})
	s.mu.Unlock()

	if removed == nil {
		log.Debug("Drawing not found for deletion, considered successful")
		return nil
	}
	log.Info("Drawing deleted successfully")
	return nil
}

func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	const op = "delete drawings by source"
	if err := core.ValidateSourceID(op, sourceID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, core.Unavailable(op, err)
	}

	log := s.log.WithField("source_id", sourceID)
	log.Debug("Clearing drawings for source")

	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect first: the tree must not change while it is being walked.
	doomed := make([]*core.Drawing, 0)
	s.ascendSource(sourceID, func(d *core.Drawing) bool {
		doomed = append(doomed, d)
		return true
	})
	for _, d := range doomed {
		s.tree.Delete(d)
	}

	log.WithField("removed", len(doomed)).Info("Drawings cleared successfully")
	return len(doomed), nil
}

func (s *Store) ListSources(ctx context.Context) ([]core.Source, error) {
	const op = "list sources"
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(op, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make([]core.Source, 0)
	s.tree.Ascend(nil, func(i interface{}) bool {
		d := i.(*core.Drawing)
		if n := len(sources); n == 0 || sources[n-1].ID != d.SourceID {
			sources = append(sources, core.Source{ID: d.SourceID})
		}
		src := &sources[len(sources)-1]
		src.Drawings++
		if ms := d.UpdatedAt.UnixMilli(); ms > src.LastUpdated {
			src.LastUpdated = ms
		}
		return true
	})
	return sources, nil
}

func (s *Store) Close() error {
	return nil
}
