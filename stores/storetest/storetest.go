// Package storetest holds the behaviour every core.Store backend must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"drawings-core/core"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) core.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s core.Store)
	}{
		{"SaveAssignsID", testSaveAssignsID},
		{"SaveAndGet", testSaveAndGet},
		{"SaveUpdatesExisting", testSaveUpdatesExisting},
		{"SaveKeepsImportedCreatedAt", testSaveKeepsImportedCreatedAt},
		{"SameIDDifferentSources", testSameIDDifferentSources},
		{"GetMissing", testGetMissing},
		{"ListOrderedByID", testListOrderedByID},
		{"ListUnknownSource", testListUnknownSource},
		{"ReturnedRecordsAreCopies", testReturnedRecordsAreCopies},
		{"Delete", testDelete},
		{"DeleteBySourceScenario", testDeleteBySourceScenario},
		{"DeleteBySourceUnknown", testDeleteBySourceUnknown},
		{"DeleteBySourceIdempotent", testDeleteBySourceIdempotent},
		{"DeleteBySourceEmptyStore", testDeleteBySourceEmptyStore},
		{"DeleteBySourceIsolation", testDeleteBySourceIsolation},
		{"InvalidArguments", testInvalidArguments},
		{"ListSources", testListSources},
		{"CanceledContext", testCanceledContext},
		{"ConcurrentWriters", testConcurrentWriters},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

// Seed saves the three-record fixture {1,doc-A}, {2,doc-A}, {3,doc-B}.
func Seed(t *testing.T, s core.DrawingStore) {
	t.Helper()
	ctx := context.Background()
	for _, d := range []*core.Drawing{
		{ID: "1", SourceID: "doc-A", Payload: []byte(`{"points":[[0,0],[1,1]]}`)},
		{ID: "2", SourceID: "doc-A", Payload: []byte(`{"points":[[2,2]]}`)},
		{ID: "3", SourceID: "doc-B", Payload: []byte(`{"points":[[3,3]]}`)},
	} {
		require.NoError(t, s.Save(ctx, d))
	}
}

// AssertSourceLogged checks that hook captured an entry at level carrying
// the source_id field.
func AssertSourceLogged(t *testing.T, hook *test.Hook, level logrus.Level, sourceID string) {
	t.Helper()
	entries := hook.AllEntries()
	for _, entry := range entries {
		if entry.Level == level && entry.Data["source_id"] == sourceID {
			return
		}
	}
	assert.Failf(t, "log entry not found", "no %s entry with source_id=%s among %d entries", level, sourceID, len(entries))
}

// IDs lists the ids stored under sourceID.
func IDs(t *testing.T, s core.DrawingStore, sourceID string) []string {
	t.Helper()
	drawings, err := s.List(context.Background(), sourceID)
	require.NoError(t, err)
	ids := make([]string, 0, len(drawings))
	for _, d := range drawings {
		ids = append(ids, d.ID)
	}
	return ids
}

func testSaveAssignsID(t *testing.T, s core.Store) {
	d := &core.Drawing{SourceID: "doc-A", Payload: []byte("{}")}
	require.NoError(t, s.Save(context.Background(), d))

	assert.Len(t, d.ID, 26, "expected a ULID")
	assert.False(t, d.CreatedAt.IsZero())
	assert.True(t, d.CreatedAt.Equal(d.UpdatedAt))

	got, err := s.Get(context.Background(), "doc-A", d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
}

func testSaveAndGet(t *testing.T, s core.Store) {
	ctx := context.Background()
	payload := []byte(`{"type":"freedraw","points":[[0,0],[10,5]]}`)
	require.NoError(t, s.Save(ctx, &core.Drawing{ID: "d1", SourceID: "doc-A", Payload: payload}))

	got, err := s.Get(ctx, "doc-A", "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.ID)
	assert.Equal(t, "doc-A", got.SourceID)
	assert.Equal(t, payload, got.Payload)
	assert.True(t, got.CreatedAt.Equal(core.Millis(got.CreatedAt)), "created_at kept sub-millisecond precision")
}

func testSaveUpdatesExisting(t *testing.T, s core.Store) {
	ctx := context.Background()
	first := &core.Drawing{ID: "d1", SourceID: "doc-A", Payload: []byte("v1")}
	require.NoError(t, s.Save(ctx, first))

	time.Sleep(5 * time.Millisecond)

	second := &core.Drawing{ID: "d1", SourceID: "doc-A", Payload: []byte("v2")}
	require.NoError(t, s.Save(ctx, second))

	got, err := s.Get(ctx, "doc-A", "d1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Payload)
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt), "created_at changed on update")
	assert.True(t, got.UpdatedAt.After(first.UpdatedAt), "updated_at did not advance")
	assert.Equal(t, []string{"d1"}, IDs(t, s, "doc-A"))
}

func testSaveKeepsImportedCreatedAt(t *testing.T, s core.Store) {
	ctx := context.Background()
	created := time.Date(2023, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, s.Save(ctx, &core.Drawing{ID: "old", SourceID: "doc-A", CreatedAt: created}))

	got, err := s.Get(ctx, "doc-A", "old")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(created), "created_at = %v", got.CreatedAt)
}

func testSameIDDifferentSources(t *testing.T, s core.Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &core.Drawing{ID: "x", SourceID: "doc-A", Payload: []byte("a")}))
	require.NoError(t, s.Save(ctx, &core.Drawing{ID: "x", SourceID: "doc-B", Payload: []byte("b")}))

	a, err := s.Get(ctx, "doc-A", "x")
	require.NoError(t, err)
	b, err := s.Get(ctx, "doc-B", "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), a.Payload)
	assert.Equal(t, []byte("b"), b.Payload)
}

func testGetMissing(t *testing.T, s core.Store) {
	Seed(t, s)
	_, err := s.Get(context.Background(), "doc-A", "3")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testListOrderedByID(t *testing.T, s core.Store) {
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Save(ctx, &core.Drawing{ID: id, SourceID: "doc-A"}))
	}
	assert.Equal(t, []string{"a", "b", "c"}, IDs(t, s, "doc-A"))
}

func testListUnknownSource(t *testing.T, s core.Store) {
	Seed(t, s)
	drawings, err := s.List(context.Background(), "doc-Z")
	require.NoError(t, err)
	assert.NotNil(t, drawings)
	assert.Empty(t, drawings)
}

func testReturnedRecordsAreCopies(t *testing.T, s core.Store) {
	ctx := context.Background()
	original := &core.Drawing{ID: "d1", SourceID: "doc-A", Payload: []byte("abc")}
	require.NoError(t, s.Save(ctx, original))
	original.Payload[0] = 'X'

	got, err := s.Get(ctx, "doc-A", "d1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Payload)

	got.Payload[0] = 'Y'
	again, err := s.Get(ctx, "doc-A", "d1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Payload)
}

func testDelete(t *testing.T, s core.Store) {
	ctx := context.Background()
	Seed(t, s)

	require.NoError(t, s.Delete(ctx, "doc-A", "1"))
	assert.Equal(t, []string{"2"}, IDs(t, s, "doc-A"))

	require.NoError(t, s.Delete(ctx, "doc-A", "1"), "deleting a missing drawing must succeed")
	require.NoError(t, s.Delete(ctx, "doc-B", "1"), "ids are scoped per source")
	assert.Equal(t, []string{"3"}, IDs(t, s, "doc-B"))
}

func testDeleteBySourceScenario(t *testing.T, s core.Store) {
	Seed(t, s)

	removed, err := s.DeleteBySource(context.Background(), "doc-A")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.Empty(t, IDs(t, s, "doc-A"))
	assert.Equal(t, []string{"3"}, IDs(t, s, "doc-B"))
}

func testDeleteBySourceUnknown(t *testing.T, s core.Store) {
	Seed(t, s)

	removed, err := s.DeleteBySource(context.Background(), "doc-Z")
	require.NoError(t, err)
	assert.Zero(t, removed)

	assert.Equal(t, []string{"1", "2"}, IDs(t, s, "doc-A"))
	assert.Equal(t, []string{"3"}, IDs(t, s, "doc-B"))
}

func testDeleteBySourceIdempotent(t *testing.T, s core.Store) {
	ctx := context.Background()
	Seed(t, s)

	removed, err := s.DeleteBySource(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = s.DeleteBySource(ctx, "doc-A")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func testDeleteBySourceEmptyStore(t *testing.T, s core.Store) {
	removed, err := s.DeleteBySource(context.Background(), "doc-A")
	require.NoError(t, err)
	assert.Zero(t, removed)

	sources, err := s.ListSources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func testDeleteBySourceIsolation(t *testing.T, s core.Store) {
	ctx := context.Background()
	// Prefix-sharing and case-differing ids must not be swept up.
	for _, src := range []string{"doc", "doc-A", "doc-AB", "DOC-A", "doc-A "} {
		require.NoError(t, s.Save(ctx, &core.Drawing{ID: "1", SourceID: src}))
	}

	removed, err := s.DeleteBySource(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	for _, src := range []string{"doc", "doc-AB", "DOC-A", "doc-A "} {
		assert.Equal(t, []string{"1"}, IDs(t, s, src), "source %q lost records", src)
	}
}

func testInvalidArguments(t *testing.T, s core.Store) {
	ctx := context.Background()
	Seed(t, s)

	_, err := s.DeleteBySource(ctx, "")
	assert.ErrorIs(t, err, core.ErrInvalid)

	_, err = s.List(ctx, "")
	assert.ErrorIs(t, err, core.ErrInvalid)

	err = s.Save(ctx, &core.Drawing{ID: "1"})
	assert.ErrorIs(t, err, core.ErrInvalid)

	err = s.Save(ctx, &core.Drawing{ID: "../escape", SourceID: "doc-A"})
	assert.ErrorIs(t, err, core.ErrInvalid)

	_, err = s.Get(ctx, "doc-A", "")
	assert.ErrorIs(t, err, core.ErrInvalid)

	err = s.Delete(ctx, "", "1")
	assert.ErrorIs(t, err, core.ErrInvalid)

	assert.Equal(t, []string{"1", "2"}, IDs(t, s, "doc-A"), "rejected calls must not touch storage")
}

func testListSources(t *testing.T, s core.Store) {
	Seed(t, s)

	sources, err := s.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)

	assert.Equal(t, "doc-A", sources[0].ID)
	assert.Equal(t, 2, sources[0].Drawings)
	assert.Equal(t, "doc-B", sources[1].ID)
	assert.Equal(t, 1, sources[1].Drawings)
	assert.NotZero(t, sources[1].LastUpdated)
}

func testCanceledContext(t *testing.T, s core.Store) {
	Seed(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.DeleteBySource(ctx, "doc-A")
	assert.Error(t, err)
	assert.Equal(t, []string{"1", "2"}, IDs(t, s, "doc-A"))
}

func testConcurrentWriters(t *testing.T, s core.Store) {
	ctx := context.Background()
	const workers, perWorker = 4, 5

	Seed(t, s)

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker+workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				d := &core.Drawing{ID: fmt.Sprintf("w%d-%d", w, i), SourceID: "doc-C"}
				if err := s.Save(ctx, d); err != nil {
					errs <- err
				}
			}
			if _, err := s.DeleteBySource(ctx, "doc-A"); err != nil {
				errs <- err
			}
			if _, err := s.List(ctx, "doc-B"); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent operation failed: %v", err)
	}

	assert.Len(t, IDs(t, s, "doc-C"), workers*perWorker)
	assert.Empty(t, IDs(t, s, "doc-A"))
	assert.Equal(t, []string{"3"}, IDs(t, s, "doc-B"))
}
