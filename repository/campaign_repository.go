package repository

import (
	"context"
	"dmagma/internal/types"
	"dmagma/models"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CampaignRepository is the campaign ledger: one row per campaign and one per
// pipeline run. Writes are best effort for callers; the barrier stays the
// source of truth for fan-in.
type CampaignRepository interface {
	CreateCampaign(ctx context.Context, handle string, campaign *types.Campaign, runs []types.PipelineTask) error
	UpdateRunStatus(ctx context.Context, pipelineID, status, outcome string) error
	FinishCampaign(ctx context.Context, handle, status, detail string) error
	GetCampaign(ctx context.Context, handle string) (models.Campaign, error)
	ListRuns(ctx context.Context, handle string) ([]models.PipelineRun, error)
}

// NewCampaignRepository returns the gorm ledger, or a no-op one when no
// database is configured
func NewCampaignRepository(db *gorm.DB, logger *zap.Logger) CampaignRepository {
	if db == nil {
		return noopRepository{}
	}
	if err := db.AutoMigrate(&models.Campaign{}, &models.PipelineRun{}); err != nil {
		logger.Fatal("failed to migrate campaign ledger", zap.Error(err))
	}
	return &CampaignRepositoryImpl{db: db}
}

type CampaignRepositoryImpl struct {
	db *gorm.DB
}

func (r *CampaignRepositoryImpl) CreateCampaign(ctx context.Context, handle string, campaign *types.Campaign, runs []types.PipelineTask) error {
	doc, err := documentOf(campaign)
	if err != nil {
		return err
	}

	record := models.Campaign{
		Handle:     handle,
		CampaignID: campaign.ID,
		Poll:       campaign.Poll,
		Timeout:    campaign.Timeout,
		Pipelines:  len(runs),
		Status:     "pending",
		Document:   doc,
		CreatedAt:  time.Now(),
	}
	for _, run := range runs {
		record.Runs = append(record.Runs, models.PipelineRun{
			PipelineID: run.PipelineID,
			Handle:     handle,
			Fuzzer:     run.Fuzzer,
			Target:     run.Target,
			Program:    run.Program,
			Status:     "pending",
		})
	}
	return r.db.WithContext(ctx).Create(&record).Error
}

func (r *CampaignRepositoryImpl) UpdateRunStatus(ctx context.Context, pipelineID, status, outcome string) error {
	result := r.db.WithContext(ctx).Model(&models.PipelineRun{}).
		Where("pipeline_id = ?", pipelineID).
		Updates(map[string]any{"status": status, "result": outcome})
	return result.Error
}

func (r *CampaignRepositoryImpl) FinishCampaign(ctx context.Context, handle, status, detail string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("handle = ?", handle).
		Updates(map[string]any{"status": status, "detail": detail, "finished_at": &now})
	return result.Error
}

func (r *CampaignRepositoryImpl) GetCampaign(ctx context.Context, handle string) (models.Campaign, error) {
	var campaign models.Campaign
	result := r.db.WithContext(ctx).Where("handle = ?", handle).First(&campaign)
	if result.Error != nil {
		return models.Campaign{}, result.Error
	}
	return campaign, nil
}

func (r *CampaignRepositoryImpl) ListRuns(ctx context.Context, handle string) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	result := r.db.WithContext(ctx).Where("handle = ?", handle).Order("pipeline_id").Find(&runs)
	if result.Error != nil {
		return nil, result.Error
	}
	return runs, nil
}

func documentOf(campaign *types.Campaign) (models.JSONMap, error) {
	raw, err := json.Marshal(campaign)
	if err != nil {
		return nil, err
	}
	var doc models.JSONMap
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

type noopRepository struct{}

func (noopRepository) CreateCampaign(context.Context, string, *types.Campaign, []types.PipelineTask) error {
	return nil
}

func (noopRepository) UpdateRunStatus(context.Context, string, string, string) error { return nil }

func (noopRepository) FinishCampaign(context.Context, string, string, string) error { return nil }

func (noopRepository) GetCampaign(context.Context, string) (models.Campaign, error) {
	return models.Campaign{}, gorm.ErrRecordNotFound
}

func (noopRepository) ListRuns(context.Context, string) ([]models.PipelineRun, error) {
	return nil, nil
}
