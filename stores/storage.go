package stores

import (
	"context"
	"fmt"

	"drawings-core/config"
	"drawings-core/core"
	"drawings-core/stores/aws"
	"drawings-core/stores/filesystem"
	"drawings-core/stores/memory"
	"drawings-core/stores/sqlite"
	"drawings-core/telemetry"

	"github.com/sirupsen/logrus"
)

// GetStore opens the backend named by cfg.Type.
func GetStore(ctx context.Context, cfg config.Storage, log logrus.FieldLogger) (core.Store, error) {
	log = telemetry.OrDiscard(log)

	storageField := logrus.Fields{
		"storageType": cfg.Type,
	}

	var (
		store core.Store
		err   error
	)
	switch cfg.Type {
	case config.StorageFilesystem:
		storageField["basePath"] = cfg.LocalPath
		store, err = filesystem.NewStore(cfg.LocalPath, log)
	case config.StorageSQLite:
		storageField["dataSourceName"] = cfg.DataSourceName
		storageField["cgo"] = sqlite.CGOEnabled
		store, err = sqlite.NewStore(cfg.DataSourceName, log)
	case config.StorageS3:
		storageField["bucket"] = cfg.S3Bucket
		storageField["prefix"] = cfg.S3Prefix
		store, err = aws.NewStore(ctx, cfg.S3Bucket, cfg.S3Prefix, log)
	case config.StorageMemory, "":
		storageField["storageType"] = "in-memory"
		store = memory.NewStore(log)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		log.WithFields(storageField).WithError(err).Error("Failed to open storage")
		return nil, err
	}

	log.WithFields(storageField).Info("Use storage")
	return store, nil
}
