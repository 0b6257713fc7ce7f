// Package backup moves drawings in and out of a store as gzip-compressed
// JSON lines, one record per line.
package backup

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"drawings-core/core"
	"drawings-core/telemetry"

	gzip "github.com/klauspost/pgzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Record is one line of a backup file. Payload is base64 on the wire.
type Record struct {
	ID        string `json:"id"`
	SourceID  string `json:"source_id"`
	Payload   []byte `json:"payload"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Result counts what an Export or Import touched.
type Result struct {
	Sources  int `json:"sources"`
	Drawings int `json:"drawings"`
}

func recordOf(d *core.Drawing) Record {
	return Record{
		ID:        d.ID,
		SourceID:  d.SourceID,
		Payload:   d.Payload,
		CreatedAt: d.CreatedAt.UnixMilli(),
		UpdatedAt: d.UpdatedAt.UnixMilli(),
	}
}

func (r Record) drawing() *core.Drawing {
	d := &core.Drawing{
		ID:       r.ID,
		SourceID: r.SourceID,
		Payload:  r.Payload,
	}
	if r.CreatedAt > 0 {
		d.CreatedAt = time.UnixMilli(r.CreatedAt).UTC()
	}
	return d
}

// Export writes the drawings of sourceIDs to w. With no source ids every
// source the store knows is exported.
func Export(ctx context.Context, store core.Store, w io.Writer, log logrus.FieldLogger, sourceIDs ...string) (Result, error) {
	var result Result
	log = telemetry.OrDiscard(log)

	if len(sourceIDs) == 0 {
		sources, err := store.ListSources(ctx)
		if err != nil {
			return result, err
		}
		for _, s := range sources {
			sourceIDs = append(sourceIDs, s.ID)
		}
	}

	compressor := gzip.NewWriter(w)
	encoder := json.NewEncoder(compressor)

	for _, sourceID := range sourceIDs {
		drawings, err := store.List(ctx, sourceID)
		if err != nil {
			compressor.Close()
			return result, err
		}
		for _, d := range drawings {
			if err := encoder.Encode(recordOf(d)); err != nil {
				compressor.Close()
				return result, errors.Wrap(err, "failed to write backup record")
			}
		}
		result.Sources++
		result.Drawings += len(drawings)
		log.WithFields(logrus.Fields{"source_id": sourceID, "drawings": len(drawings)}).Debug("Exported source")
	}

	if err := compressor.Close(); err != nil {
		return result, errors.Wrap(err, "failed to finish backup")
	}
	return result, nil
}

// Import saves every record read from r. Ids and creation times are kept;
// a record that already exists is overwritten.
func Import(ctx context.Context, store core.Store, r io.Reader, log logrus.FieldLogger) (Result, error) {
	var result Result
	log = telemetry.OrDiscard(log)

	gz, err := gzip.NewReader(r)
	if err != nil {
		return result, core.Corrupt("import backup", errors.Wrap(err, "not a gzip stream"))
	}
	defer gz.Close()

	seen := make(map[string]struct{})
	decoder := json.NewDecoder(gz)
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return result, core.Unavailable("import backup", err)
		}

		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return result, core.Corrupt("import backup", errors.Wrapf(err, "record %d", line))
		}

		if err := store.Save(ctx, rec.drawing()); err != nil {
			return result, errors.Wrapf(err, "record %d", line)
		}
		if _, ok := seen[rec.SourceID]; !ok {
			seen[rec.SourceID] = struct{}{}
			result.Sources++
		}
		result.Drawings++
	}

	log.WithFields(logrus.Fields{"sources": result.Sources, "drawings": result.Drawings}).Info("Backup imported successfully")
	return result, nil
}
