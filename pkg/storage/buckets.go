package storage

import (
	"context"
	"dmagma/config"

	"go.uber.org/zap"
)

// Buckets holds the two stores of a deployment: raw pipeline archives and
// campaign reports
type Buckets struct {
	Results Storage
	Reports Storage
}

func NewBuckets(cfg *config.AppConfig, logger *zap.Logger) (Buckets, error) {
	ctx := context.Background()
	results, err := NewS3FromConfig(ctx, cfg.Storage, cfg.Storage.ResultsBucket, logger.Named("storage"))
	if err != nil {
		return Buckets{}, err
	}
	reports, err := NewS3FromConfig(ctx, cfg.Storage, cfg.Storage.ReportsBucket, logger.Named("storage"))
	if err != nil {
		return Buckets{}, err
	}
	return Buckets{Results: results, Reports: reports}, nil
}

// NewMemoryBuckets backs both stores with memory, for local runs and tests
func NewMemoryBuckets(cfg *config.AppConfig) Buckets {
	return Buckets{
		Results: NewMemory(cfg.Storage.ResultsBucket),
		Reports: NewMemory(cfg.Storage.ReportsBucket),
	}
}
