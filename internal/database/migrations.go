package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/pubky/pubky-app-cache/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClampPostCounts   = "2026-09-02_clamp_negative_post_counts"
	migrationDedupePostStreams = "2026-09-18_dedupe_post_streams"
)

var countColumns = []models.CountField{
	models.CountTags,
	models.CountUniqueTags,
	models.CountReplies,
	models.CountReposts,
}

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
		{name: migrationClampPostCounts, apply: clampNegativePostCounts},
		{name: migrationDedupePostStreams, apply: dedupePostStreams},
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
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
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

// clampNegativePostCounts repairs counters written before deltas were clamped.
func clampNegativePostCounts(db *gorm.DB) error {
	for _, column := range countColumns {
		err := db.Model(&models.PostCounts{}).
			Where(fmt.Sprintf("%s < 0", column)).
			Update(string(column), 0).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// dedupePostStreams drops repeated ids from cached streams, keeping first occurrences.
func dedupePostStreams(db *gorm.DB) error {
	var streams []models.PostStream
	if err := db.Find(&streams).Error; err != nil {
		return err
	}
	for _, stream := range streams {
		postIDs, err := stream.PostIDs()
		if err != nil {
			return err
		}
		unique := make([]string, 0, len(postIDs))
		seen := make(map[string]struct{}, len(postIDs))
		for _, postID := range postIDs {
			if _, ok := seen[postID]; ok {
				continue
			}
			seen[postID] = struct{}{}
			unique = append(unique, postID)
		}
		if len(unique) == len(postIDs) {
			continue
		}
		repaired, err := models.NewPostStream(stream.ID, unique, stream.UpdatedAtSeconds)
		if err != nil {
			return err
		}
		if err := db.Save(&repaired).Error; err != nil {
			return err
		}
	}
	return nil
}
