// Package snapshot encodes a whole set of drawings as one checksummed JSON
// document. The filesystem and S3 stores persist this envelope.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"

	"drawings-core/core"

	"github.com/cespare/xxhash/v2"
)

const Version = 1

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Records  json.RawMessage `json:"records"`
}

// Checksum is the xxhash64 of b as 16 hex digits.
func Checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Encode serializes records into an envelope. Records are written sorted by
// (source_id, id) so that equal sets always produce equal bytes.
func Encode(records Records) ([]byte, error) {
	sorted := records.sorted()
	body, err := json.Marshal(sorted)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Version:  Version,
		Checksum: Checksum(body),
		Records:  body,
	})
}

// Decode parses an envelope produced by Encode. Every failure is reported as
// core.ErrCorrupt under op.
func Decode(op string, data []byte) (Records, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.Corrupt(op, err)
	}
	if env.Version != Version {
		return nil, core.Corrupt(op, fmt.Errorf("unsupported snapshot version %d", env.Version))
	}
	if env.Records == nil {
		return nil, core.Corrupt(op, fmt.Errorf("snapshot has no records"))
	}
	if sum := Checksum(env.Records); sum != env.Checksum {
		return nil, core.Corrupt(op, fmt.Errorf("checksum mismatch: have %s, want %s", sum, env.Checksum))
	}

	var records Records
	if err := json.Unmarshal(env.Records, &records); err != nil {
		return nil, core.Corrupt(op, err)
	}
	for i, r := range records {
		if r == nil || r.ID == "" || r.SourceID == "" {
			return nil, core.Corrupt(op, fmt.Errorf("record %d has no key", i))
		}
	}
	return records, nil
}

// Records is a decoded snapshot. Methods never mutate the receiver in place
// so a failed write can simply discard the new value.
type Records []*core.Drawing

func (r Records) sorted() Records {
	out := make(Records, len(r))
	copy(out, r)
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BySource returns copies of the records of sourceID ordered by id.
func (r Records) BySource(sourceID string) []*core.Drawing {
	out := make([]*core.Drawing, 0)
	for _, d := range r.sorted() {
		if d.SourceID == sourceID {
			out = append(out, d.Clone())
		}
	}
	return out
}

func (r Records) Find(sourceID, id string) (*core.Drawing, bool) {
	for _, d := range r {
		if d.SourceID == sourceID && d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Upsert returns a new set with d replacing any record under the same key.
func (r Records) Upsert(d *core.Drawing) Records {
	out := make(Records, 0, len(r)+1)
	for _, existing := range r {
		if existing.SourceID == d.SourceID && existing.ID == d.ID {
			continue
		}
		out = append(out, existing)
	}
	return append(out, d.Clone())
}

// Without returns a new set lacking the given key.
func (r Records) Without(sourceID, id string) Records {
	out := make(Records, 0, len(r))
	for _, existing := range r {
		if existing.SourceID == sourceID && existing.ID == id {
			continue
		}
		out = append(out, existing)
	}
	return out
}

// WithoutSource returns a new set lacking every record of sourceID and the
// number of records dropped.
func (r Records) WithoutSource(sourceID string) (Records, int) {
	out := make(Records, 0, len(r))
	for _, existing := range r {
		if existing.SourceID == sourceID {
			continue
		}
		out = append(out, existing)
	}
	return out, len(r) - len(out)
}

// Sources summarizes the set per source_id, ordered by id.
func (r Records) Sources() []core.Source {
	index := make(map[string]*core.Source)
	for _, d := range r {
		src, ok := index[d.SourceID]
		if !ok {
			src = &core.Source{ID: d.SourceID}
			index[d.SourceID] = src
		}
		src.Drawings++
		if ms := d.UpdatedAt.UnixMilli(); ms > src.LastUpdated {
			src.LastUpdated = ms
		}
	}

	out := make([]core.Source, 0, len(index))
	for _, src := range index {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
