package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsRepairsFieldState(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	leaderID := "field-1"
	staleDraftID := "draft-lost"
	openDraftID := "draft-open"
	rows := []any{
		&consensus.Project{ProjectID: "project-1", CreatorID: "owner", IsPublished: true, CreatedAtSeconds: 1},
		&consensus.Project{ProjectID: "project-2", CreatorID: "owner", CreatedAtSeconds: 2},
		&consensus.ProjectField{ProjectID: "project-1", Key: "website", TopWeight: 90, LeaderDraftID: &staleDraftID, LeaderFieldID: &leaderID},
		&consensus.ProjectField{ProjectID: "project-1", Key: "roadmap", TopWeight: 1510, LeaderDraftID: &staleDraftID},
		&consensus.ProjectField{ProjectID: "project-2", Key: "roadmap", TopWeight: 200, LeaderDraftID: &openDraftID},
		&consensus.FieldProposal{ProposalID: leaderID, ProjectID: "project-1", Key: "website", CreatorID: "alice", Value: "https://a.example"},
	}
	for _, row := range rows {
		if err := database.Create(row).Error; err != nil {
			testContext.Fatalf("failed to seed %T: %v", row, err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	website := loadFieldState(testContext, database, "project-1", "website")
	if website.TopWeight != 90 || website.LeaderDraftID != nil {
		testContext.Fatalf("expected website to keep its field standing without a draft leader, got %+v", website)
	}
	if !website.HasProposal {
		testContext.Fatalf("expected has_proposal to be backfilled")
	}

	roadmap := loadFieldState(testContext, database, "project-1", "roadmap")
	if roadmap.TopWeight != 0 || roadmap.LeaderDraftID != nil || roadmap.HasProposal {
		testContext.Fatalf("expected stale draft standing to be cleared, got %+v", roadmap)
	}

	pending := loadFieldState(testContext, database, "project-2", "roadmap")
	if pending.TopWeight != 200 || pending.LeaderDraftID == nil || *pending.LeaderDraftID != openDraftID {
		testContext.Fatalf("expected unpublished project state untouched, got %+v", pending)
	}

	for _, name := range []string{migrationBackfillHasProposal, migrationResetPublishedDraftState} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	seeded := []any{
		&consensus.Project{ProjectID: "project-9", CreatorID: "owner", IsPublished: true, CreatedAtSeconds: 9},
		&consensus.ProjectField{ProjectID: "project-9", Key: "roadmap", TopWeight: 70},
	}
	for _, row := range seeded {
		if err := database.Create(row).Error; err != nil {
			testContext.Fatalf("failed to seed %T: %v", row, err)
		}
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}

	state := loadFieldState(testContext, database, "project-9", "roadmap")
	if state.TopWeight != 70 {
		testContext.Fatalf("expected recorded migrations to be skipped, got top weight %d", state.TopWeight)
	}
}

func loadFieldState(testContext *testing.T, database *gorm.DB, projectID, key string) consensus.ProjectField {
	testContext.Helper()
	var state consensus.ProjectField
	if err := database.Where("project_id = ? AND field_key = ?", projectID, key).Take(&state).Error; err != nil {
		testContext.Fatalf("failed to reload %s state: %v", key, err)
	}
	return state
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := Open(Options{Driver: DriverSQLite, Path: filepath.Join(testContext.TempDir(), "tribune.db")}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected 2 recorded migrations, got %d", count)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "mysql"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
