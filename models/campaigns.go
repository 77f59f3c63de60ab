package models

import (
	"time"
)

// Campaign model
type Campaign struct {
	Handle     string    `gorm:"primaryKey;not null"`
	CampaignID string    `gorm:"not null;index"`
	Poll       int       `gorm:"not null"`
	Timeout    int       `gorm:"not null"`
	Pipelines  int       `gorm:"not null"`
	Status     string    `gorm:"not null;default:pending"`
	Detail     string    `gorm:"default:null"`
	Document   JSONMap   `gorm:"type:jsonb"`
	CreatedAt  time.Time `gorm:"default:current_timestamp"`
	FinishedAt *time.Time

	Runs []PipelineRun `gorm:"foreignKey:Handle;references:Handle"`
}

// PipelineRun model
type PipelineRun struct {
	PipelineID string    `gorm:"primaryKey;not null"`
	Handle     string    `gorm:"not null;index"`
	Fuzzer     string    `gorm:"not null"`
	Target     string    `gorm:"not null"`
	Program    string    `gorm:"not null"`
	Status     string    `gorm:"not null;default:pending"`
	Result     string    `gorm:"default:null"` // artifact key or error text
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}
