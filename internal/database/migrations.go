package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillHasProposal       = "2026-09-02_backfill_has_proposal"
	migrationResetPublishedDraftState  = "2026-10-19_reset_published_draft_state"
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
		{name: migrationBackfillHasProposal, apply: backfillHasProposal},
		{name: migrationResetPublishedDraftState, apply: resetPublishedDraftState},
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

// backfillHasProposal marks keys that already carry a field proposal, so no first-contribution
// reward is paid twice for them.
func backfillHasProposal(db *gorm.DB) error {
	return db.Model(&consensus.ProjectField{}).
		Where("has_proposal = ? AND EXISTS (SELECT 1 FROM field_proposals WHERE field_proposals.project_id = project_fields.project_id AND field_proposals.field_key = project_fields.field_key)", false).
		Update("has_proposal", true).Error
}

// resetPublishedDraftState drops draft-phase standings left on published projects. Keys
// without a field leader lose their top weight; no key keeps a draft leader.
func resetPublishedDraftState(db *gorm.DB) error {
	published := func() *gorm.DB {
		return db.Model(&consensus.Project{}).Select("project_id").Where("is_published = ?", true)
	}
	err := db.Model(&consensus.ProjectField{}).
		Where("leader_field_id IS NULL AND project_id IN (?)", published()).
		Update("top_weight", 0).Error
	if err != nil {
		return err
	}
	return db.Model(&consensus.ProjectField{}).
		Where("leader_draft_id IS NOT NULL AND project_id IN (?)", published()).
		Update("leader_draft_id", nil).Error
}
