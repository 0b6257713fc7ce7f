package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"drawings-core/core"
	"drawings-core/stores/snapshot"
	"drawings-core/telemetry"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// s3API is the part of *s3.Client the store talks to.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store keeps one object per source. Every drawing of a source lives in the
// same checksummed snapshot, so clearing a source is a single DeleteObject.
type Store struct {
	mu     sync.RWMutex
	client s3API
	bucket string
	prefix string
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewStore creates a new S3-based store using the default AWS credential chain.
func NewStore(ctx context.Context, bucketName, prefix string, log logrus.FieldLogger) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, core.Unavailable("open store", fmt.Errorf("unable to load SDK config: %w", err))
	}
	return newStore(s3.NewFromConfig(cfg), bucketName, prefix, log), nil
}

func newStore(client s3API, bucketName, prefix string, log logrus.FieldLogger) *Store {
	return &Store{
		client: client,
		bucket: bucketName,
		prefix: prefix,
		log:    telemetry.OrDiscard(log),
		now:    time.Now,
	}
}

// objectKey hashes the source id so arbitrary ids make safe keys.
func (s *Store) objectKey(sourceID string) string {
	return fmt.Sprintf("%s%016x.json", s.prefix, xxhash.Sum64String(sourceID))
}

func (s *Store) load(ctx context.Context, op, sourceID string) (snapshot.Records, error) {
	key := s.objectKey(sourceID)
	records, err := s.loadKey(ctx, op, key)
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return snapshot.Records{}, nil
		}
		return nil, err
	}
	for _, d := range records {
		if d.SourceID != sourceID {
			return nil, core.Corrupt(op, fmt.Errorf("object %s holds a drawing of source %q", key, d.SourceID))
		}
	}
	return records, nil
}

// store writes records back, removing the object once the source is empty.
func (s *Store) store(ctx context.Context, op, sourceID string, records snapshot.Records) error {
	key := s.objectKey(sourceID)
	if len(records) == 0 {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return core.Unavailable(op, fmt.Errorf("failed to delete object %s: %w", key, err))
		}
		return nil
	}

	data, err := snapshot.Encode(records)
	if err != nil {
		return core.Unavailable(op, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return core.Unavailable(op, fmt.Errorf("failed to put object %s: %w", key, err))
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

	s.mu.RLock()
	records, err := s.load(ctx, op, sourceID)
	s.mu.RUnlock()
	if err != nil {
		s.log.WithField("source_id", sourceID).WithError(err).Error("Failed to load source")
		return nil, err
	}
	return records.BySource(sourceID), nil
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
	records, err := s.load(ctx, op, sourceID)
	s.mu.RUnlock()
	if err != nil {
		log.WithError(err).Error("Failed to load source")
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

	records, err := s.load(ctx, op, drawing.SourceID)
	if err != nil {
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
		"bucket":     s.bucket,
	})
	if err := s.store(ctx, op, candidate.SourceID, records.Upsert(candidate)); err != nil {
		log.WithError(err).Error("Failed to save drawing")
		return err
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

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx, op, sourceID)
	if err != nil {
		return err
	}
	if _, ok := records.Find(sourceID, id); !ok {
		log.Debug("Drawing not found for deletion, considered successful")
		return nil
	}

	if err := s.store(ctx, op, sourceID, records.Without(sourceID, id)); err != nil {
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

	log := s.log.WithFields(logrus.Fields{
		"source_id": sourceID,
		"key":       s.objectKey(sourceID),
	})
	log.Debug("Clearing drawings for source")

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx, op, sourceID)
	if err != nil {
		log.WithError(err).Error("Failed to load source")
		return 0, err
	}
	if len(records) == 0 {
		log.Info("No drawings to clear")
		return 0, nil
	}

	if err := s.store(ctx, op, sourceID, nil); err != nil {
		log.WithError(err).Error("Failed to clear drawings")
		return 0, err
	}

	log.WithField("removed", len(records)).Info("Drawings cleared successfully")
	return len(records), nil
}

func (s *Store) ListSources(ctx context.Context) ([]core.Source, error) {
	const op = "list sources"
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(op, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all snapshot.Records
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, core.Unavailable(op, fmt.Errorf("failed to list objects: %w", err))
		}
		for _, object := range page.Contents {
			records, err := s.loadKey(ctx, op, aws.ToString(object.Key))
			if err != nil {
				s.log.WithField("key", aws.ToString(object.Key)).WithError(err).Error("Failed to read object")
				return nil, err
			}
			all = append(all, records...)
		}
	}
	return all.Sources(), nil
}

func (s *Store) loadKey(ctx context.Context, op, key string) (snapshot.Records, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, core.Unavailable(op, fmt.Errorf("failed to get object %s: %w", key, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Unavailable(op, fmt.Errorf("failed to read object %s: %w", key, err))
	}
	return snapshot.Decode(op, data)
}

func (s *Store) Close() error {
	return nil
}
