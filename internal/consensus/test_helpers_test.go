package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseCounter atomic.Int64

type sequentialIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%04d", g.next), nil
}

type failingIDGenerator struct{}

func (failingIDGenerator) NewID() (string, error) {
	return "", errors.New("exhausted ids")
}

// steppingClock advances one second per reading so every operation gets its own timestamp.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Notification
}

func (s *recordingSink) Deliver(notifications []Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, notifications)
}

func (s *recordingSink) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flattened []Notification
	for _, batch := range s.batches {
		flattened = append(flattened, batch...)
	}
	return flattened
}

func testRegistry() *fields.Registry {
	return fields.MustRegistry(
		fields.Definition{Key: "name", Essential: true, AccountabilityMetric: 1},
		fields.Definition{Key: "categories", Essential: true, AccountabilityMetric: 0.5},
		fields.Definition{Key: "roadmap", AccountabilityMetric: 0.5},
		fields.Definition{Key: "website", AccountabilityMetric: 0.3},
	)
}

func testRules() Rules {
	return Rules{
		Weight:                    100,
		RewardPercent:             0.1,
		QuorumAmount:              3,
		EssentialItemWeightAmount: 500,
		DefaultPublishMinWeight:   100,
		InitialWeight:             10,
	}
}

type testEnv struct {
	service *Service
	db      *gorm.DB
	sink    *recordingSink
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:tribune_consensus_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T, configure ...func(*ServiceConfig)) testEnv {
	t.Helper()

	db := openTestDatabase(t)
	sink := &recordingSink{}
	clock := &steppingClock{current: time.Unix(1700000000, 0).UTC()}
	cfg := ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDGenerator{},
		Registry:   testRegistry(),
		Rules:      testRules(),
		Sink:       sink,
	}
	for _, apply := range configure {
		apply(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct consensus service: %v", err)
	}
	return testEnv{service: service, db: db, sink: sink}
}

func withRules(rules Rules) func(*ServiceConfig) {
	return func(cfg *ServiceConfig) {
		cfg.Rules = rules
	}
}

func withRegistry(registry *fields.Registry) func(*ServiceConfig) {
	return func(cfg *ServiceConfig) {
		cfg.Registry = registry
	}
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func seedProfile(t *testing.T, db *gorm.DB, userID string, weight int64) {
	t.Helper()
	if err := db.Create(&Profile{UserID: userID, Weight: weight}).Error; err != nil {
		t.Fatalf("failed to seed profile %s: %v", userID, err)
	}
}

func setWeight(t *testing.T, db *gorm.DB, userID string, weight int64) {
	t.Helper()
	if err := db.Model(&Profile{}).Where("user_id = ?", userID).Update("weight", weight).Error; err != nil {
		t.Fatalf("failed to update weight of %s: %v", userID, err)
	}
}

func weightOf(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var profile Profile
	if err := db.Where("user_id = ?", userID).Take(&profile).Error; err != nil {
		t.Fatalf("failed to load profile %s: %v", userID, err)
	}
	return profile.Weight
}

// seedPublishedProject stores a project that is already in its field phase.
func seedPublishedProject(t *testing.T, db *gorm.DB, projectID, creatorID string) ProjectID {
	t.Helper()
	published := int64(1700000000)
	project := Project{
		ProjectID:          projectID,
		CreatorID:          creatorID,
		IsPublished:        true,
		CreatedAtSeconds:   1699990000,
		PublishedAtSeconds: &published,
	}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	return ProjectID(projectID)
}

func draftItems(values map[string]string) []FieldValue {
	items := make([]FieldValue, 0, len(values))
	for _, key := range []string{"name", "categories", "roadmap", "website"} {
		if value, ok := values[key]; ok {
			items = append(items, FieldValue{Key: key, Value: value})
		}
	}
	return items
}

func mustSubmit(t *testing.T, service *Service, creatorID string, items []FieldValue) Submission {
	t.Helper()
	submission, err := service.CreateProject(context.Background(), DraftRequest{
		CreatorID: mustUserID(t, creatorID),
		Items:     items,
	})
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return submission
}

func mustFieldProposal(t *testing.T, service *Service, creatorID string, projectID ProjectID, key, value string) FieldProposalResult {
	t.Helper()
	result, err := service.CreateFieldProposal(context.Background(), FieldProposalRequest{
		CreatorID: mustUserID(t, creatorID),
		ProjectID: projectID,
		Key:       key,
		Value:     value,
	})
	if err != nil {
		t.Fatalf("failed to create field proposal for %s: %v", key, err)
	}
	return result
}

func mustCastVote(t *testing.T, service *Service, voterID string, projectID ProjectID, key string, target ProposalRef) VoteRecord {
	t.Helper()
	vote, err := service.CastVote(context.Background(), VoteRequest{
		VoterID:   mustUserID(t, voterID),
		ProjectID: projectID,
		Key:       key,
		Target:    target,
	})
	if err != nil {
		t.Fatalf("failed to cast vote by %s: %v", voterID, err)
	}
	return vote
}

func leadershipRows(t *testing.T, db *gorm.DB, projectID ProjectID, key string) []LeadershipLog {
	t.Helper()
	var rows []LeadershipLog
	err := db.Where("project_id = ? AND field_key = ?", projectID.String(), key).Order("log_id ASC").Find(&rows).Error
	if err != nil {
		t.Fatalf("failed to load leadership log: %v", err)
	}
	return rows
}

func projectFieldState(t *testing.T, db *gorm.DB, projectID ProjectID, key string) ProjectField {
	t.Helper()
	var state ProjectField
	if err := db.Where("project_id = ? AND field_key = ?", projectID.String(), key).Take(&state).Error; err != nil {
		t.Fatalf("failed to load project field %s: %v", key, err)
	}
	return state
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func notificationsOfType(notifications []Notification, notificationType NotificationType) []Notification {
	var matched []Notification
	for _, notification := range notifications {
		if notification.Type == notificationType {
			matched = append(matched, notification)
		}
	}
	return matched
}
