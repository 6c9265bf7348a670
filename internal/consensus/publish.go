package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	"go.uber.org/zap"
)

const (
	snapshotNameKey       fields.Key = "name"
	snapshotCategoriesKey fields.Key = "categories"
)

// ScanFailure records a project whose publish attempt rolled back.
type ScanFailure struct {
	ProjectID string
	Err       error
}

// ScanResult summarises one pass over the pending projects.
type ScanResult struct {
	Examined  int
	Published []string
	Failures  []ScanFailure
}

// PublishResult describes the outcome of one publish attempt.
type PublishResult struct {
	Published      bool
	ProjectID      string
	WinningDraftID string
	FieldProposals []FieldProposal
	Reward         int64
}

// draftAggregate is the vote standing of one draft on one key.
type draftAggregate struct {
	DraftID  string
	FieldKey string
	Total    int64
	Voters   int
}

// ScanPendingProjects tries to publish every unpublished project, oldest first. Each
// project is published in its own transaction; a failure is recorded and the scan moves on.
// Cancellation is honoured between projects.
func (s *Service) ScanPendingProjects(ctx context.Context) (ScanResult, error) {
	var pending []Project
	err := s.db.WithContext(ctx).
		Select("project_id").
		Where("is_published = ?", false).
		Order("created_at_s ASC").
		Order("project_id ASC").
		Find(&pending).Error
	if err != nil {
		s.logError(opScanPendingProjects, reasonQueryFailed, err)
		return ScanResult{}, newServiceError(opScanPendingProjects, reasonQueryFailed, err)
	}

	result := ScanResult{}
	for _, project := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Examined++
		outcome, err := s.PublishProject(ctx, ProjectID(project.ProjectID))
		if err != nil {
			s.metrics.PublishFailed()
			result.Failures = append(result.Failures, ScanFailure{ProjectID: project.ProjectID, Err: err})
			continue
		}
		if outcome.Published {
			result.Published = append(result.Published, project.ProjectID)
		}
	}
	if len(result.Published) > 0 || len(result.Failures) > 0 {
		s.loggerOrDefault().Info("publish scan finished",
			zap.Int("examined", result.Examined),
			zap.Int("published", len(result.Published)),
			zap.Int("failed", len(result.Failures)))
	}
	return result, nil
}

// PublishProject publishes the project when one of its drafts qualifies. A project that
// is already published or has no qualifying draft is left untouched.
func (s *Service) PublishProject(ctx context.Context, projectID ProjectID) (PublishResult, error) {
	result := PublishResult{ProjectID: projectID.String()}
	err := s.runTransaction(ctx, opPublishProject, func(scope *txScope) error {
		project, err := s.loadProject(scope, projectID)
		if err != nil {
			return err
		}
		if project.IsPublished {
			return nil
		}

		var drafts []DraftProposal
		err = scope.tx.Where("project_id = ?", project.ProjectID).
			Order("created_at_s ASC").
			Order("draft_id ASC").
			Find(&drafts).Error
		if err != nil {
			return s.storeError(scope, reasonQueryFailed, err, zap.String("project_id", project.ProjectID))
		}
		if len(drafts) == 0 {
			return nil
		}

		var aggregates []draftAggregate
		err = scope.tx.Model(&VoteRecord{}).
			Select("draft_proposal_id AS draft_id, field_key, COALESCE(SUM(weight), 0) AS total, COUNT(*) AS voters").
			Where("project_id = ? AND draft_proposal_id IS NOT NULL", project.ProjectID).
			Group("draft_proposal_id").
			Group("field_key").
			Scan(&aggregates).Error
		if err != nil {
			return s.storeError(scope, reasonQueryFailed, err, zap.String("project_id", project.ProjectID))
		}

		var states []ProjectField
		err = scope.tx.Where("project_id = ? AND "+columnLeaderDraftID+" IS NOT NULL", project.ProjectID).
			Find(&states).Error
		if err != nil {
			return s.storeError(scope, reasonQueryFailed, err, zap.String("project_id", project.ProjectID))
		}
		leaders := make(map[string]string, len(states))
		for _, state := range states {
			leaders[state.Key] = *state.LeaderDraftID
		}

		winner, ok := selectWinningDraft(drafts, aggregates, leaders, s.essentialDefinitions(), s.rules)
		if !ok {
			return nil
		}
		proposals, reward, err := s.publish(scope, project, winner)
		if err != nil {
			return err
		}
		result.Published = true
		result.WinningDraftID = winner.DraftID
		result.FieldProposals = proposals
		result.Reward = reward
		return nil
	})
	if err != nil {
		return PublishResult{ProjectID: projectID.String()}, err
	}
	if result.Published {
		s.metrics.ProjectPublished()
	}
	return result, nil
}

func (s *Service) essentialDefinitions() []fields.Definition {
	keys := s.registry.EssentialKeys()
	definitions := make([]fields.Definition, 0, len(keys))
	for _, key := range keys {
		definition, err := s.registry.Lookup(key.String())
		if err == nil {
			definitions = append(definitions, definition)
		}
	}
	return definitions
}

// selectWinningDraft returns the qualifying draft with the highest essential-key weight.
// A draft qualifies when every essential key has quorum and its minimum publish weight.
// Ties go to the draft leading the most essential keys (leaders maps key to leading draft id),
// then the earliest draft, then the lowest identifier.
func selectWinningDraft(drafts []DraftProposal, aggregates []draftAggregate, leaders map[string]string, essentials []fields.Definition, rules Rules) (DraftProposal, bool) {
	standing := make(map[string]map[string]draftAggregate, len(drafts))
	for _, aggregate := range aggregates {
		byKey, ok := standing[aggregate.DraftID]
		if !ok {
			byKey = make(map[string]draftAggregate)
			standing[aggregate.DraftID] = byKey
		}
		byKey[aggregate.FieldKey] = aggregate
	}

	type candidate struct {
		draft  DraftProposal
		weight int64
		leads  int
	}
	var qualifying []candidate
	for _, draft := range drafts {
		var total int64
		leads := 0
		qualifies := true
		for _, definition := range essentials {
			if _, ok := draft.Item(definition.Key.String()); !ok {
				qualifies = false
				break
			}
			aggregate := standing[draft.DraftID][definition.Key.String()]
			if aggregate.Voters < rules.QuorumAmount || aggregate.Total < rules.publishMinWeight(definition) {
				qualifies = false
				break
			}
			total += aggregate.Total
			if leaders[definition.Key.String()] == draft.DraftID {
				leads++
			}
		}
		if qualifies {
			qualifying = append(qualifying, candidate{draft: draft, weight: total, leads: leads})
		}
	}
	if len(qualifying) == 0 {
		return DraftProposal{}, false
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		left, right := qualifying[i], qualifying[j]
		if left.weight != right.weight {
			return left.weight > right.weight
		}
		if left.leads != right.leads {
			return left.leads > right.leads
		}
		if left.draft.CreatedAtSeconds != right.draft.CreatedAtSeconds {
			return left.draft.CreatedAtSeconds < right.draft.CreatedAtSeconds
		}
		return left.draft.DraftID < right.draft.DraftID
	})
	return qualifying[0].draft, true
}

// publish converts the winning draft into per-key field proposals and freezes the project.
func (s *Service) publish(scope *txScope, project Project, winner DraftProposal) ([]FieldProposal, int64, error) {
	logFields := []zap.Field{zap.String("project_id", project.ProjectID), zap.String("draft_id", winner.DraftID)}

	// Draft-phase standings do not carry into the field phase; promoteItem seeds the winner's keys.
	err := scope.tx.Model(&ProjectField{}).
		Where("project_id = ?", project.ProjectID).
		Updates(map[string]any{
			"top_weight":        0,
			columnLeaderDraftID: nil,
			"updated_at_s":      scope.nowSeconds,
		}).Error
	if err != nil {
		return nil, 0, s.storeError(scope, reasonWriteFailed, err, logFields...)
	}

	proposals := make([]FieldProposal, 0, len(winner.Items))
	for _, item := range winner.Items {
		proposal, err := s.promoteItem(scope, project, winner, item)
		if err != nil {
			return nil, 0, err
		}
		proposals = append(proposals, proposal)
	}

	genesisWeight, err := s.currentWeight(scope, project.CreatorID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, 0, err
	}
	rank := RankSnapshot{
		ProjectID:              project.ProjectID,
		PublishedGenesisWeight: genesisWeight,
		CreatedAtSeconds:       scope.nowSeconds,
	}
	if err := scope.tx.Create(&rank).Error; err != nil {
		return nil, 0, s.storeError(scope, reasonWriteFailed, err, logFields...)
	}

	snapshot := buildProjectSnapshot(project.ProjectID, winner, scope.nowSeconds)
	if err := scope.tx.Create(&snapshot).Error; err != nil {
		return nil, 0, s.storeError(scope, reasonWriteFailed, err, logFields...)
	}

	claim := scope.tx.Model(&Project{}).
		Where("project_id = ? AND is_published = ?", project.ProjectID, false).
		Updates(map[string]any{
			"is_published":     true,
			"winning_draft_id": winner.DraftID,
			"published_at_s":   scope.nowSeconds,
		})
	if claim.Error != nil {
		return nil, 0, s.storeError(scope, reasonWriteFailed, claim.Error, logFields...)
	}
	if claim.RowsAffected != 1 {
		return nil, 0, fmt.Errorf("%w: %s", errPublishClaimLost, project.ProjectID)
	}

	reward := publishReward(s.rules)
	ref := creditRef{projectID: project.ProjectID, proposalID: winner.DraftID}
	if err := s.credit(scope, project.CreatorID, reward, RewardReasonPublish, ref); err != nil {
		return nil, 0, err
	}
	err = s.notify(scope, project.CreatorID, NotificationProjectPublished, notificationPayload{
		projectID: project.ProjectID,
		proposal:  DraftRef(winner.DraftID),
		reward:    int64Pointer(reward),
	})
	if err != nil {
		return nil, 0, err
	}
	if winner.CreatorID != project.CreatorID {
		err = s.notify(scope, winner.CreatorID, NotificationProposalPassed, notificationPayload{
			projectID: project.ProjectID,
			proposal:  DraftRef(winner.DraftID),
		})
		if err != nil {
			return nil, 0, err
		}
	}
	return proposals, reward, nil
}

// promoteItem creates the field proposal for one draft item and moves the draft's votes onto it.
func (s *Service) promoteItem(scope *txScope, project Project, winner DraftProposal, item FieldValue) (FieldProposal, error) {
	key := fields.Key(item.Key)
	logFields := []zap.Field{zap.String("project_id", project.ProjectID), zap.String("field_key", item.Key)}

	proposalID, err := s.newID(scope)
	if err != nil {
		return FieldProposal{}, err
	}
	proposal := FieldProposal{
		ProposalID:       proposalID,
		ProjectID:        project.ProjectID,
		Key:              item.Key,
		CreatorID:        project.CreatorID,
		Value:            item.Value,
		CreatedAtSeconds: scope.nowSeconds,
	}
	if ref, ok := winner.Ref(item.Key); ok {
		proposal.Ref = stringPointer(ref)
	}
	if err := scope.tx.Create(&proposal).Error; err != nil {
		return FieldProposal{}, s.storeError(scope, reasonWriteFailed, err, logFields...)
	}

	err = scope.tx.Model(&VoteRecord{}).
		Where("project_id = ? AND field_key = ? AND draft_proposal_id = ?", project.ProjectID, item.Key, winner.DraftID).
		Updates(map[string]any{
			columnDraftProposalID: nil,
			columnFieldProposalID: proposalID,
			"updated_at_s":        scope.nowSeconds,
		}).Error
	if err != nil {
		return FieldProposal{}, s.storeError(scope, reasonWriteFailed, err, logFields...)
	}

	var total int64
	err = scope.tx.Model(&VoteRecord{}).
		Select("COALESCE(SUM(weight), 0)").
		Where("field_proposal_id = ?", proposalID).
		Scan(&total).Error
	if err != nil {
		return FieldProposal{}, s.storeError(scope, reasonQueryFailed, err, logFields...)
	}

	if err := s.appendLeadershipLog(scope, project.ProjectID, key, FieldRef(proposalID), false); err != nil {
		return FieldProposal{}, err
	}
	if _, err := s.lockProjectField(scope, project.ProjectID, key); err != nil {
		return FieldProposal{}, err
	}
	err = scope.tx.Model(&ProjectField{}).
		Where("project_id = ? AND field_key = ?", project.ProjectID, item.Key).
		Updates(map[string]any{
			"has_proposal":      true,
			"top_weight":        total,
			columnLeaderFieldID: proposalID,
			"updated_at_s":      scope.nowSeconds,
		}).Error
	if err != nil {
		return FieldProposal{}, s.storeError(scope, reasonWriteFailed, err, logFields...)
	}
	return proposal, nil
}

func buildProjectSnapshot(projectID string, winner DraftProposal, nowSeconds int64) ProjectSnapshot {
	name, _ := winner.Item(snapshotNameKey.String())
	snapshot := ProjectSnapshot{
		ProjectID:        projectID,
		Name:             name,
		Categories:       []string{},
		Items:            append([]FieldValue(nil), winner.Items...),
		CreatedAtSeconds: nowSeconds,
	}
	if rawCategories, ok := winner.Item(snapshotCategoriesKey.String()); ok {
		for _, category := range strings.Split(rawCategories, ",") {
			trimmed := strings.TrimSpace(category)
			if trimmed != "" {
				snapshot.Categories = append(snapshot.Categories, trimmed)
			}
		}
	}
	return snapshot
}
