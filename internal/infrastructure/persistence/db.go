package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/config"
	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/persistence/models"
)

// NewDBConnection 创建数据库连接
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return newDBConnection(cfg, logger.Default.LogMode(logger.Info))
}

// NewDBConnectionSilent connects with GORM's SQL logging turned off — used
// by CLI mode so non-interactive runs don't spam stdout with query logs.
func NewDBConnectionSilent(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return newDBConnection(cfg, logger.Default.LogMode(logger.Silent))
}

func newDBConnection(cfg *config.DatabaseConfig, gormLogger logger.Interface) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// autoMigrate 自动迁移数据库结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.SessionModel{},
		&models.ContextMessageModel{},
		&models.HistoryMessageModel{},
		&models.CompactionRecordModel{},
	)
}
