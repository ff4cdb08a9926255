package blob

import (
	"context"
	"fmt"

	"github.com/sheet-vault/internal/config"
	"github.com/sirupsen/logrus"
)

// Open builds the blob backend selected by the storage configuration
func Open(ctx context.Context, cfg config.StorageConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Backend {
	case "local":
		store, err := NewFileStore(cfg.Local.Dir)
		if err != nil {
			return nil, err
		}
		logger.WithField("dir", store.root).Info("Local blob storage initialized")
		return store, nil
	case "memory":
		logger.Warn("Using in-memory blob storage; snapshots are lost on exit")
		return NewMemoryStore(), nil
	case "azure":
		store, err := NewAzureStore(cfg.Azure)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"account":   cfg.Azure.StorageAccount,
			"container": cfg.Azure.Container,
			"auth":      cfg.Azure.GetAuthMethod(),
		}).Info("Azure blob storage initialized")
		return store, nil
	case "s3":
		return NewS3Store(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
