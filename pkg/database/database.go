package database

import (
	"dmagma/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDBConnection opens the campaign ledger database. It returns nil when
// DATABASE_URL is not set; the ledger is optional.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) *gorm.DB {
	connectionString := appConfig.DatabaseURL
	if connectionString == "" {
		logger.Debug("DATABASE_URL not set, campaign ledger disabled")
		return nil
	}

	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	logger.Debug("connected to database")
	return db
}
