package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"drawings-core/core"
	"drawings-core/stores/snapshot"
	"drawings-core/telemetry"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const snapshotName = "drawings.json"

// Store keeps every drawing in one snapshot file under basePath. Each
// mutation rewrites the snapshot into a temp file and renames it over the
// old one, so a failed write never leaves a partial snapshot behind.
type Store struct {
	mu   sync.RWMutex
	path string
	log  logrus.FieldLogger
	now  func() time.Time

	writeFile func(name string, data []byte) error
	rename    func(oldpath, newpath string) error
	syncDir   func(dir string) error
}

// NewStore creates a new filesystem-based store.
func NewStore(basePath string, log logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, core.Unavailable("open store", errors.Wrapf(err, "could not create base directory %s", basePath))
	}
	return &Store{
		path:      filepath.Join(basePath, snapshotName),
		log:       telemetry.OrDiscard(log),
		now:       time.Now,
		writeFile: writeSynced,
		rename:    os.Rename,
		syncDir:   syncDir,
	}, nil
}

func writeSynced(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes the directory entry of a rename to disk.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

func (s *Store) load(op string) (snapshot.Records, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot.Records{}, nil
		}
		return nil, core.Unavailable(op, errors.Wrapf(err, "could not read %s", s.path))
	}
	return snapshot.Decode(op, data)
}

func (s *Store) commit(op string, records snapshot.Records) error {
	data, err := snapshot.Encode(records)
	if err != nil {
		return core.Unavailable(op, errors.Wrap(err, "could not encode snapshot"))
	}

	tmp := s.path + ".tmp"
	if err := s.writeFile(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return core.Unavailable(op, errors.Wrapf(err, "could not write %s", tmp))
	}
	if err := s.rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return core.Unavailable(op, errors.Wrapf(err, "could not swap %s for %s", s.path, tmp))
	}
	// The new snapshot is already visible once renamed, so a failed
	// directory sync is reported but does not fail the mutation.
	if err := s.syncDir(filepath.Dir(s.path)); err != nil {
		s.log.WithField("path", s.path).WithError(err).Warn("Failed to sync snapshot directory")
	}
	return nil
}

func (s *Store) List(ctx context.Context, sourceID string) ([]*core.Drawing, error) {
	const op = "list drawings"
	if err := core.ValidateSourceID(op, sourceID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(op, err)
	}

	log := s.log.WithField("source_id", sourceID).WithField("path", s.path)

	s.mu.RLock()
	records, err := s.load(op)
	s.mu.RUnlock()
	if err != nil {
		log.WithError(err).Error("Failed to read snapshot")
		return nil, err
	}

	drawings := records.BySource(sourceID)
	log.Debugf("Listed %d drawings", len(drawings))
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
	records, err := s.load(op)
	s.mu.RUnlock()
	if err != nil {
		log.WithError(err).Error("Failed to read snapshot")
		return nil, err
	}

	d, ok := records.Find(sourceID, id)
	if !ok {
		log.Warn("Drawing with specified ID not found")
		return nil, core.NotFound(op, "drawing %s not found in source %s", id, sourceID)
	}
	return d.Clone(), nil
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

	records, err := s.load(op)
	if err != nil {
		s.log.WithError(err).Error("Failed to read snapshot")
		return err
	}

	candidate := drawing.Clone()
	var existing *core.Drawing
	if candidate.ID != "" {
		existing, _ = records.Find(candidate.SourceID, candidate.ID)
	}
	candidate.Stamp(existing, s.now())

	log := s.log.WithFields(logrus.Fields{
		"source_id":  candidate.SourceID,
		"drawing_id": candidate.ID,
		"path":       s.path,
	})
	if err := s.commit(op, records.Upsert(candidate)); err != nil {
		log.WithError(err).Error("Failed to write drawing")
		return err
	}

	*drawing = *candidate.Clone()
	log.Info("Drawing saved successfully")
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
	defer s.mu.Unlock()

	records, err := s.load(op)
	if err != nil {
		log.WithError(err).Error("Failed to read snapshot")
		return err
	}
	if _, ok := records.Find(sourceID, id); !ok {
		log.Debug("Drawing not found for deletion, considered successful")
		return nil
	}

	if err := s.commit(op, records.Without(sourceID, id)); err != nil {
		log.WithError(err).Error("Failed to delete drawing")
		return err
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

	records, err := s.load(op)
	if err != nil {
		log.WithError(err).Error("Failed to read snapshot")
		return 0, err
	}

	remaining, removed := records.WithoutSource(sourceID)
	if removed == 0 {
		log.Info("No drawings to clear")
		return 0, nil
	}

	if err := s.commit(op, remaining); err != nil {
		log.WithError(err).Error("Failed to clear drawings")
		return 0, err
	}

	log.WithField("removed", removed).Info("Drawings cleared successfully")
	return removed, nil
}

func (s *Store) ListSources(ctx context.Context) ([]core.Source, error) {
	const op = "list sources"
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(op, err)
	}

	s.mu.RLock()
	records, err := s.load(op)
	s.mu.RUnlock()
	if err != nil {
		s.log.WithError(err).Error("Failed to read snapshot")
		return nil, err
	}
	return records.Sources(), nil
}

func (s *Store) Close() error {
	return nil
}
