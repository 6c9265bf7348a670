package consensus

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	"go.uber.org/zap"
)

// DraftRequest carries a full genesis proposal for a project.
type DraftRequest struct {
	CreatorID UserID
	Items     []FieldValue
	Refs      []FieldValue
}

// FieldProposalRequest carries a competing value for one key of a published project.
type FieldProposalRequest struct {
	CreatorID UserID
	ProjectID ProjectID
	Key       string
	Value     string
	Ref       *string
	Reason    *string
}

// Submission is the result of creating a project with its first draft.
type Submission struct {
	Project Project
	Draft   DraftProposal
	Votes   []VoteRecord
}

// DraftResult is a stored draft and the creator's votes for its items.
type DraftResult struct {
	Draft DraftProposal
	Votes []VoteRecord
}

// FieldProposalResult is a stored field proposal, the creator's vote and any first-contribution reward.
type FieldProposalResult struct {
	Proposal FieldProposal
	Vote     VoteRecord
	Reward   int64
}

// CreateProject submits a project together with its first draft proposal.
func (s *Service) CreateProject(ctx context.Context, request DraftRequest) (Submission, error) {
	items, refs, err := s.normalizeDraft(request.Items, request.Refs)
	if err != nil {
		return Submission{}, s.failure(opCreateProject, err)
	}

	var submission Submission
	err = s.runTransaction(ctx, opCreateProject, func(scope *txScope) error {
		projectID, err := s.newID(scope)
		if err != nil {
			return err
		}
		project := Project{
			ProjectID:        projectID,
			CreatorID:        request.CreatorID.String(),
			CreatedAtSeconds: scope.nowSeconds,
		}
		if err := scope.tx.Create(&project).Error; err != nil {
			return s.storeError(scope, reasonWriteFailed, err, zap.String("project_id", projectID))
		}
		draft, votes, err := s.createDraft(scope, project, request.CreatorID.String(), items, refs)
		if err != nil {
			return err
		}
		submission = Submission{Project: project, Draft: draft, Votes: votes}
		return nil
	})
	if err != nil {
		return Submission{}, err
	}
	return submission, nil
}

// CreateDraftProposal adds a competing draft to an unpublished project.
func (s *Service) CreateDraftProposal(ctx context.Context, projectID ProjectID, request DraftRequest) (DraftResult, error) {
	items, refs, err := s.normalizeDraft(request.Items, request.Refs)
	if err != nil {
		return DraftResult{}, s.failure(opCreateDraftProposal, err)
	}

	var result DraftResult
	err = s.runTransaction(ctx, opCreateDraftProposal, func(scope *txScope) error {
		project, err := s.loadProject(scope, projectID)
		if err != nil {
			return err
		}
		if project.IsPublished {
			return fmt.Errorf("%w: %s", ErrProjectAlreadyPublished, projectID)
		}
		draft, votes, err := s.createDraft(scope, project, request.CreatorID.String(), items, refs)
		if err != nil {
			return err
		}
		result = DraftResult{Draft: draft, Votes: votes}
		return nil
	})
	if err != nil {
		return DraftResult{}, err
	}
	return result, nil
}

func (s *Service) createDraft(scope *txScope, project Project, creatorID string, items, refs []FieldValue) (DraftProposal, []VoteRecord, error) {
	draftID, err := s.newID(scope)
	if err != nil {
		return DraftProposal{}, nil, err
	}
	draft := DraftProposal{
		DraftID:          draftID,
		ProjectID:        project.ProjectID,
		CreatorID:        creatorID,
		Items:            items,
		Refs:             refs,
		CreatedAtSeconds: scope.nowSeconds,
	}
	if err := scope.tx.Create(&draft).Error; err != nil {
		return DraftProposal{}, nil, s.storeError(scope, reasonWriteFailed, err, zap.String("project_id", project.ProjectID))
	}

	votes := make([]VoteRecord, 0, len(items))
	for _, item := range items {
		definition, err := s.lookupKey(item.Key)
		if err != nil {
			return DraftProposal{}, nil, err
		}
		vote, err := s.autoVote(scope, project, definition, creatorID, DraftRef(draftID))
		if err != nil {
			return DraftProposal{}, nil, err
		}
		votes = append(votes, vote)
	}
	return draft, votes, nil
}

// CreateFieldProposal adds a competing value for one key of a published project. The
// creator's vote moves to it and the first proposal for the key earns a reward.
func (s *Service) CreateFieldProposal(ctx context.Context, request FieldProposalRequest) (FieldProposalResult, error) {
	value := strings.TrimSpace(request.Value)
	if value == "" {
		return FieldProposalResult{}, s.failure(opCreateFieldProposal, fmt.Errorf("%w: empty value", ErrInvalidInput))
	}

	var result FieldProposalResult
	err := s.runTransaction(ctx, opCreateFieldProposal, func(scope *txScope) error {
		definition, err := s.lookupKey(request.Key)
		if err != nil {
			return err
		}
		project, err := s.loadProject(scope, request.ProjectID)
		if err != nil {
			return err
		}
		if !project.IsPublished {
			return fmt.Errorf("%w: %s", ErrProjectNotPublished, request.ProjectID)
		}

		proposalID, err := s.newID(scope)
		if err != nil {
			return err
		}
		proposal := FieldProposal{
			ProposalID:       proposalID,
			ProjectID:        project.ProjectID,
			Key:              definition.Key.String(),
			CreatorID:        request.CreatorID.String(),
			Value:            value,
			Ref:              trimmedOrNil(request.Ref),
			Reason:           trimmedOrNil(request.Reason),
			CreatedAtSeconds: scope.nowSeconds,
		}
		if err := scope.tx.Create(&proposal).Error; err != nil {
			return s.storeError(scope, reasonWriteFailed, err, zap.String("project_id", project.ProjectID))
		}

		vote, err := s.autoVote(scope, project, definition, proposal.CreatorID, FieldRef(proposalID))
		if err != nil {
			return err
		}
		reward, err := s.rewardFirstContribution(scope, proposal, definition)
		if err != nil {
			return err
		}
		result = FieldProposalResult{Proposal: proposal, Vote: vote, Reward: reward}
		return nil
	})
	if err != nil {
		return FieldProposalResult{}, err
	}
	return result, nil
}

// normalizeDraft validates draft items against the registry. Every essential key must be present.
func (s *Service) normalizeDraft(rawItems, rawRefs []FieldValue) ([]FieldValue, []FieldValue, error) {
	items, err := s.normalizeValues(rawItems)
	if err != nil {
		return nil, nil, err
	}
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("%w: draft has no items", ErrInvalidInput)
	}
	present := make(map[fields.Key]struct{}, len(items))
	for _, item := range items {
		present[fields.Key(item.Key)] = struct{}{}
	}
	for _, key := range s.registry.EssentialKeys() {
		if _, ok := present[key]; !ok {
			return nil, nil, fmt.Errorf("%w: missing essential item %s", ErrInvalidInput, key)
		}
	}

	refs, err := s.normalizeValues(rawRefs)
	if err != nil {
		return nil, nil, err
	}
	for _, ref := range refs {
		if _, ok := present[fields.Key(ref.Key)]; !ok {
			return nil, nil, fmt.Errorf("%w: ref for absent item %s", ErrInvalidInput, ref.Key)
		}
	}
	return items, refs, nil
}

func (s *Service) normalizeValues(raw []FieldValue) ([]FieldValue, error) {
	values := make([]FieldValue, 0, len(raw))
	seen := make(map[fields.Key]struct{}, len(raw))
	for _, entry := range raw {
		definition, err := s.lookupKey(entry.Key)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[definition.Key]; duplicate {
			return nil, fmt.Errorf("%w: duplicate key %s", ErrInvalidInput, definition.Key)
		}
		value := strings.TrimSpace(entry.Value)
		if value == "" {
			return nil, fmt.Errorf("%w: empty value for %s", ErrInvalidInput, definition.Key)
		}
		seen[definition.Key] = struct{}{}
		values = append(values, FieldValue{Key: definition.Key.String(), Value: value})
	}
	return values, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
