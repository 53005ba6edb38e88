package database

import (
	"errors"
	"time"

	"github.com/quellhq/noticequell/internal/notices"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSourceHints       = "2026-06-11_backfill_unknown_source_hints"
	migrationBackfillNormalizedContent = "2026-07-02_backfill_normalized_content"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSourceHints, apply: backfillUnknownSourceHints},
		{name: migrationBackfillNormalizedContent, apply: backfillNormalizedContent},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func backfillUnknownSourceHints(db *gorm.DB) error {
	return db.Model(&notices.Notice{}).
		Where("source_hint = ''").
		Update("source_hint", notices.SourceHintUnknown).Error
}

// Rows written before the normalized_content column existed carry an empty
// normalization; rebuild it from the stored raw content.
func backfillNormalizedContent(db *gorm.DB) error {
	var stale []notices.Notice
	if err := db.Where("normalized_content = ''").Find(&stale).Error; err != nil {
		return err
	}
	for _, notice := range stale {
		normalized := notices.Normalize(notice.RawContent)
		if err := db.Model(&notices.Notice{}).
			Where("fingerprint = ?", notice.Fingerprint).
			Update("normalized_content", normalized).Error; err != nil {
			return err
		}
	}
	return nil
}
