package aws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"drawings-core/core"
	"drawings-core/handlers/commands"
	"drawings-core/stores/snapshot"
	"drawings-core/stores/storetest"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket with switchable failures.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes int

	failGet    error
	failPut    error
	failDelete error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(append([]byte(nil), data...)))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return nil, f.failDelete
	}
	f.deletes++
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func newTestStore() (*Store, *fakeS3) {
	fake := newFakeS3()
	return newStore(fake, "drawings-bucket", "drawings/", nil), fake
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		store, _ := newTestStore()
		return store
	})
}

func TestObjectKey(t *testing.T) {
	store, _ := newTestStore()

	key := store.objectKey("doc-A")
	assert.True(t, strings.HasPrefix(key, "drawings/"))
	assert.True(t, strings.HasSuffix(key, ".json"))
	assert.Len(t, key, len("drawings/")+16+len(".json"))

	assert.Equal(t, key, store.objectKey("doc-A"))
	assert.NotEqual(t, key, store.objectKey("doc-B"))
	assert.NotContains(t, store.objectKey("../../etc/passwd"), "..")
}

func TestDeleteBySource_SingleDelete(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()
	storetest.Seed(t, store)

	removed, err := store.DeleteBySource(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, fake.deletes)

	_, ok := fake.objects[store.objectKey("doc-A")]
	assert.False(t, ok, "object of cleared source still present")
	_, ok = fake.objects[store.objectKey("doc-B")]
	assert.True(t, ok)

	removed, err = store.DeleteBySource(ctx, "doc-A")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 1, fake.deletes, "clearing an empty source must not call S3")
}

func TestDeleteBySource_LogsSource(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store, _ := newTestStore()
	store.log = logger
	storetest.Seed(t, store)

	_, err := store.DeleteBySource(context.Background(), "doc-A")
	require.NoError(t, err)
	storetest.AssertSourceLogged(t, hook, logrus.InfoLevel, "doc-A")
}

func TestDeleteBySource_DeleteFault(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store, fake := newTestStore()
	store.log = logger
	storetest.Seed(t, store)

	fake.failDelete = errors.New("connection reset by peer")

	_, err := store.DeleteBySource(context.Background(), "doc-A")
	require.ErrorIs(t, err, core.ErrUnavailable)
	storetest.AssertSourceLogged(t, hook, logrus.ErrorLevel, "doc-A")

	fake.failDelete = nil
	assert.Equal(t, []string{"1", "2"}, storetest.IDs(t, store, "doc-A"))
}

func TestDeleteBySource_GetFault(t *testing.T) {
	store, fake := newTestStore()
	storetest.Seed(t, store)

	fake.failGet = errors.New("dial tcp: i/o timeout")
	_, err := store.DeleteBySource(context.Background(), "doc-A")
	require.ErrorIs(t, err, core.ErrUnavailable)
	assert.Zero(t, fake.deletes)
}

func TestSave_PutFault(t *testing.T) {
	store, fake := newTestStore()
	storetest.Seed(t, store)

	fake.failPut = errors.New("service unavailable")
	err := store.Save(context.Background(), &core.Drawing{ID: "4", SourceID: "doc-A"})
	require.ErrorIs(t, err, core.ErrUnavailable)

	fake.failPut = nil
	assert.Equal(t, []string{"1", "2"}, storetest.IDs(t, store, "doc-A"))
}

func TestCorruptObject(t *testing.T) {
	store, fake := newTestStore()
	storetest.Seed(t, store)

	key := store.objectKey("doc-A")
	fake.objects[key] = []byte("{not json")

	_, err := store.DeleteBySource(context.Background(), "doc-A")
	require.ErrorIs(t, err, core.ErrCorrupt)
	assert.Equal(t, []byte("{not json"), fake.objects[key], "corrupt object was touched")

	_, err = store.ListSources(context.Background())
	require.ErrorIs(t, err, core.ErrCorrupt)

	_, err = commands.NewDispatcher(store, nil).Invoke(context.Background(), commands.HealthCheck, nil)
	assert.ErrorIs(t, err, core.ErrCorrupt, "health check passed on a corrupt bucket")
}

func TestObjectOfAnotherSource(t *testing.T) {
	store, fake := newTestStore()

	data, err := snapshot.Encode(snapshot.Records{{ID: "1", SourceID: "intruder"}})
	require.NoError(t, err)
	fake.objects[store.objectKey("doc-A")] = data

	_, err = store.List(context.Background(), "doc-A")
	assert.ErrorIs(t, err, core.ErrCorrupt)
}

func TestDelete_LastDrawingRemovesObject(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()
	storetest.Seed(t, store)

	require.NoError(t, store.Delete(ctx, "doc-B", "3"))
	_, ok := fake.objects[store.objectKey("doc-B")]
	assert.False(t, ok)
}
