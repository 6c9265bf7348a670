package consensus

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProjectView is the read model of a project and its per-key governance state.
// Leaders maps each key to its current leader in the project's phase.
type ProjectView struct {
	Project         Project
	HasProposalKeys []string
	ItemsTopWeight  map[string]int64
	Leaders         map[string]ProposalRef
	Drafts          []DraftProposal
	FieldProposals  []FieldProposal
	Snapshot        *ProjectSnapshot
}

// GetProject returns the project with its proposals and per-key state.
func (s *Service) GetProject(ctx context.Context, projectID ProjectID) (ProjectView, error) {
	db := s.db.WithContext(ctx)
	logFields := zap.String("project_id", projectID.String())

	var project Project
	err := db.Where("project_id = ?", projectID.String()).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProjectView{}, s.failure(opGetProject, errProjectNotFound(projectID))
	}
	if err != nil {
		s.logError(opGetProject, reasonQueryFailed, err, logFields)
		return ProjectView{}, newServiceError(opGetProject, reasonQueryFailed, err)
	}

	view := ProjectView{
		Project:         project,
		HasProposalKeys: []string{},
		ItemsTopWeight:  map[string]int64{},
		Leaders:         map[string]ProposalRef{},
	}

	var states []ProjectField
	if err := db.Where("project_id = ?", project.ProjectID).Order("field_key ASC").Find(&states).Error; err != nil {
		s.logError(opGetProject, reasonQueryFailed, err, logFields)
		return ProjectView{}, newServiceError(opGetProject, reasonQueryFailed, err)
	}
	kind := ProposalKindDraft
	if project.IsPublished {
		kind = ProposalKindField
	}
	for _, state := range states {
		if state.HasProposal {
			view.HasProposalKeys = append(view.HasProposalKeys, state.Key)
		}
		if state.TopWeight > 0 || !state.leader(kind).IsZero() {
			view.ItemsTopWeight[state.Key] = state.TopWeight
		}
		if leader := state.leader(kind); !leader.IsZero() {
			view.Leaders[state.Key] = leader
		}
	}
	sort.Strings(view.HasProposalKeys)

	err = db.Where("project_id = ?", project.ProjectID).
		Order("created_at_s ASC").Order("draft_id ASC").
		Find(&view.Drafts).Error
	if err != nil {
		s.logError(opGetProject, reasonQueryFailed, err, logFields)
		return ProjectView{}, newServiceError(opGetProject, reasonQueryFailed, err)
	}
	err = db.Where("project_id = ?", project.ProjectID).
		Order("field_key ASC").Order("created_at_s ASC").Order("proposal_id ASC").
		Find(&view.FieldProposals).Error
	if err != nil {
		s.logError(opGetProject, reasonQueryFailed, err, logFields)
		return ProjectView{}, newServiceError(opGetProject, reasonQueryFailed, err)
	}

	if project.IsPublished {
		var snapshot ProjectSnapshot
		err := db.Where("project_id = ?", project.ProjectID).Take(&snapshot).Error
		switch {
		case err == nil:
			view.Snapshot = &snapshot
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opGetProject, reasonQueryFailed, err, logFields)
			return ProjectView{}, newServiceError(opGetProject, reasonQueryFailed, err)
		}
	}
	return view, nil
}

// ListVotesByProposal returns the live votes backing one proposal, oldest first.
func (s *Service) ListVotesByProposal(ctx context.Context, ref ProposalRef) ([]VoteRecord, error) {
	if ref.IsZero() {
		return nil, s.failure(opListVotesByProposal, ErrTargetNotFound)
	}
	var votes []VoteRecord
	err := s.db.WithContext(ctx).
		Where(ref.column()+" = ?", ref.ID()).
		Order("created_at_s ASC").Order("vote_id ASC").
		Find(&votes).Error
	if err != nil {
		s.logError(opListVotesByProposal, reasonQueryFailed, err, zap.String("proposal", ref.String()))
		return nil, newServiceError(opListVotesByProposal, reasonQueryFailed, err)
	}
	return votes, nil
}

// ListVotesByProject returns every live vote of a project ordered by key.
func (s *Service) ListVotesByProject(ctx context.Context, projectID ProjectID) ([]VoteRecord, error) {
	if err := s.requireProject(ctx, opListVotesByProject, projectID); err != nil {
		return nil, err
	}
	var votes []VoteRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID.String()).
		Order("field_key ASC").Order("created_at_s ASC").Order("vote_id ASC").
		Find(&votes).Error
	if err != nil {
		s.logError(opListVotesByProject, reasonQueryFailed, err, zap.String("project_id", projectID.String()))
		return nil, newServiceError(opListVotesByProject, reasonQueryFailed, err)
	}
	return votes, nil
}

// ListLeadershipLog returns the leadership history of one key in write order.
func (s *Service) ListLeadershipLog(ctx context.Context, projectID ProjectID, rawKey string) ([]LeadershipLog, error) {
	definition, err := s.lookupKey(rawKey)
	if err != nil {
		return nil, s.failure(opListLeadershipLog, err)
	}
	if err := s.requireProject(ctx, opListLeadershipLog, projectID); err != nil {
		return nil, err
	}
	var entries []LeadershipLog
	err = s.db.WithContext(ctx).
		Where("project_id = ? AND field_key = ?", projectID.String(), definition.Key.String()).
		Order("log_id ASC").
		Find(&entries).Error
	if err != nil {
		s.logError(opListLeadershipLog, reasonQueryFailed, err, zap.String("project_id", projectID.String()))
		return nil, newServiceError(opListLeadershipLog, reasonQueryFailed, err)
	}
	return entries, nil
}

func (s *Service) requireProject(ctx context.Context, operation string, projectID ProjectID) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&Project{}).Where("project_id = ?", projectID.String()).Count(&count).Error
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("project_id", projectID.String()))
		return newServiceError(operation, reasonQueryFailed, err)
	}
	if count == 0 {
		return s.failure(operation, errProjectNotFound(projectID))
	}
	return nil
}
