package reduce

import (
	"context"
	"dmagma/config"
	"dmagma/internal/toolkit"
	"dmagma/internal/types"
	"dmagma/pkg/storage"
	"dmagma/pkg/telemetry"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alitto/pond"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultConcurrency = 8

// Reducer aggregates every archive of a campaign into one JSON report
type Reducer struct {
	toolkit       toolkit.Toolkit
	results       storage.Storage
	reports       storage.Storage
	concurrency   int
	tracerFactory *telemetry.TracerFactory
	logger        *zap.Logger
}

type ReducerParams struct {
	fx.In

	Config        *config.AppConfig
	Toolkit       toolkit.Toolkit
	Buckets       storage.Buckets
	TracerFactory *telemetry.TracerFactory `optional:"true"`
	Logger        *zap.Logger
}

func NewReducer(p ReducerParams) *Reducer {
	concurrency := p.Config.Reducer.Concurrency
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	return &Reducer{
		toolkit:       p.Toolkit,
		results:       p.Buckets.Results,
		reports:       p.Buckets.Reports,
		concurrency:   concurrency,
		tracerFactory: p.TracerFactory,
		logger:        p.Logger.Named("reducer"),
	}
}

// Reduce stages the campaign's archives under <tmp>/workdir/ar, runs the
// aggregator once and uploads the report. It returns the report key.
func (r *Reducer) Reduce(ctx context.Context, campaignID string) (string, error) {
	return r.ReduceTraced(ctx, campaignID, "")
}

// ReduceTraced is Reduce continuing the trace exported by the dispatcher
func (r *Reducer) ReduceTraced(ctx context.Context, campaignID, traceContext string) (string, error) {
	logger := r.logger.With(zap.String("campaign_id", campaignID))

	tracer := r.tracerFactory.NewTracerSpawnedFrom(ctx, traceContext, "reduce "+campaignID).
		WithAttributes(telemetry.NewSpanAttributes(telemetry.Reducing).WithCampaignID(campaignID))
	tracer.Start()
	defer tracer.End()

	key, err := r.reduce(ctx, campaignID, logger)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		logger.Error("Reduce failed", zap.Error(err))
		return "", err
	}
	tracer.SetStatus(codes.Ok, "stored "+key)
	logger.Info("Report stored", zap.String("key", key))
	return key, nil
}

func (r *Reducer) reduce(ctx context.Context, campaignID string, logger *zap.Logger) (string, error) {
	tmpDir, err := os.MkdirTemp("", campaignID+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	workdir := filepath.Join(tmpDir, "workdir")
	ar := filepath.Join(workdir, "ar")
	if err := os.MkdirAll(ar, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}

	staged, err := r.stage(ctx, campaignID, ar)
	if err != nil {
		return "", err
	}
	logger.Info("Staged campaign results", zap.Int("archives", staged))

	report := filepath.Join(tmpDir, "report.json")
	if err := r.toolkit.Aggregate(ctx, workdir, report); err != nil {
		return "", fmt.Errorf("failed to aggregate results: %w", err)
	}

	key := types.ReportKey(campaignID)
	if err := r.reports.Put(ctx, report, key); err != nil {
		return "", fmt.Errorf("failed to upload report: %w", err)
	}
	return key, nil
}

// stage downloads every key under the campaign prefix into ar, keeping the key
// layout below the prefix. The first failed download aborts the rest.
func (r *Reducer) stage(ctx context.Context, campaignID, ar string) (int, error) {
	prefix := types.CampaignPrefix(campaignID)

	pool := pond.New(r.concurrency, 0, pond.MinWorkers(r.concurrency))
	defer pool.StopAndWait()
	group, groupCtx := pool.GroupContext(ctx)

	count := 0
	for key, err := range r.results.List(ctx, prefix) {
		if err != nil {
			group.Wait()
			return 0, fmt.Errorf("failed to list campaign results: %w", err)
		}
		rel := strings.Trim(strings.TrimPrefix(key, prefix), "/")
		if rel == "" {
			continue
		}
		dest := filepath.Join(ar, filepath.FromSlash(rel))
		if !strings.HasPrefix(dest, ar+string(filepath.Separator)) {
			group.Wait()
			return 0, fmt.Errorf("refusing to stage key %q outside the staging dir", key)
		}
		count++
		group.Submit(func() error {
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := r.results.Get(groupCtx, key, dest); err != nil {
				return fmt.Errorf("failed to download %s: %w", key, err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return 0, err
	}
	return count, nil
}
