package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"drawings-core/core"
	"drawings-core/telemetry"

	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// Store keeps drawings in a single SQLite table keyed by (source_id, id).
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	log logrus.FieldLogger
	now func() time.Time
}

// NewStore opens (creating if needed) the database at dataSourceName.
func NewStore(dataSourceName string, log logrus.FieldLogger) (*Store, error) {
	const op = "open store"

	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, core.Unavailable(op, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, classify(op, err)
	}

	// One connection is the writer lock: SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, classify(op, fmt.Errorf("failed to execute %q: %w", pragma, err))
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, classify(op, fmt.Errorf("failed to apply schema: %w", err))
	}

	return &Store{
		db:  db,
		log: telemetry.OrDiscard(log),
		now: time.Now,
	}, nil
}

// classify maps a driver error onto the store error kinds. Both drivers
// report SQLITE_NOTADB and SQLITE_CORRUPT with these phrases.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed") {
		return core.Corrupt(op, err)
	}
	return core.Unavailable(op, err)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *Store) List(ctx context.Context, sourceID string) ([]*core.Drawing, error) {
	const op = "list drawings"
	if err := core.ValidateSourceID(op, sourceID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(op, err)
	}

	log := s.log.WithField("source_id", sourceID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, payload, created_at, updated_at FROM drawings WHERE source_id = ? ORDER BY id",
		sourceID)
	if err != nil {
		log.WithError(err).Error("Failed to list drawings")
		return nil, classify(op, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close drawing rows")
		}
	}()

	drawings := make([]*core.Drawing, 0)
	for rows.Next() {
		d := &core.Drawing{SourceID: sourceID}
		var created, updated int64
		if err := rows.Scan(&d.ID, &d.Payload, &created, &updated); err != nil {
			log.WithError(err).Error("Failed to scan drawing")
			return nil, classify(op, err)
		}
		d.CreatedAt, d.UpdatedAt = fromMillis(created), fromMillis(updated)
		drawings = append(drawings, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}

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
	log.Debug("Retrieving drawing by ID")

	s.mu.RLock()
	defer s.mu.RUnlock()

	d := &core.Drawing{ID: id, SourceID: sourceID}
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT payload, created_at, updated_at FROM drawings WHERE source_id = ? AND id = ?",
		sourceID, id).Scan(&d.Payload, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Warn("Drawing with specified ID not found")
			return nil, core.NotFound(op, "drawing %s not found in source %s", id, sourceID)
		}
		log.WithError(err).Error("Failed to retrieve drawing")
		return nil, classify(op, err)
	}
	d.CreatedAt, d.UpdatedAt = fromMillis(created), fromMillis(updated)
	return d, nil
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	candidate := drawing.Clone()
	var existing *core.Drawing
	if candidate.ID != "" {
		var created int64
		err := tx.QueryRowContext(ctx,
			"SELECT created_at FROM drawings WHERE source_id = ? AND id = ?",
			candidate.SourceID, candidate.ID).Scan(&created)
		switch {
		case err == nil:
			existing = &core.Drawing{CreatedAt: fromMillis(created)}
		case err != sql.ErrNoRows:
			return classify(op, err)
		}
	}
	candidate.Stamp(existing, s.now())

	log := s.log.WithFields(logrus.Fields{
		"source_id":   candidate.SourceID,
		"drawing_id":  candidate.ID,
		"data_length": len(candidate.Payload),
	})

	_, err = tx.ExecContext(ctx,
		`INSERT INTO drawings (id, source_id, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		candidate.ID, candidate.SourceID, candidate.Payload,
		candidate.CreatedAt.UnixMilli(), candidate.UpdatedAt.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to save drawing")
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("Failed to commit drawing")
		return classify(op, err)
	}

	*drawing = *candidate
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
	log.Debug("Deleting drawing")

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM drawings WHERE source_id = ? AND id = ?", sourceID, id)
	if err != nil {
		log.WithError(err).Error("Failed to delete drawing")
		return classify(op, err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Failed to begin transaction")
		return 0, classify(op, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM drawings WHERE source_id = ?", sourceID)
	if err != nil {
		log.WithError(err).Error("Failed to clear drawings")
		return 0, classify(op, err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, classify(op, err)
	}

	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("Failed to commit clear")
		return 0, classify(op, err)
	}

	log.WithField("removed", removed).Info("Drawings cleared successfully")
	return int(removed), nil
}

func (s *Store) ListSources(ctx context.Context) ([]core.Source, error) {
	const op = "list sources"
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(op, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT source_id, COUNT(*), MAX(updated_at) FROM drawings GROUP BY source_id ORDER BY source_id")
	if err != nil {
		s.log.WithError(err).Error("Failed to list sources")
		return nil, classify(op, err)
	}
	defer rows.Close()

	sources := make([]core.Source, 0)
	for rows.Next() {
		var src core.Source
		if err := rows.Scan(&src.ID, &src.Drawings, &src.LastUpdated); err != nil {
			return nil, classify(op, err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return sources, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
