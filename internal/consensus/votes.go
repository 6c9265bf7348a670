package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VoteRequest identifies a voter's choice for one project key.
type VoteRequest struct {
	VoterID   UserID
	ProjectID ProjectID
	Key       string
	Target    ProposalRef
}

// CastVote records the voter's first vote for the key, stamped with their current weight.
func (s *Service) CastVote(ctx context.Context, request VoteRequest) (VoteRecord, error) {
	var vote VoteRecord
	err := s.runTransaction(ctx, opCastVote, func(scope *txScope) error {
		project, definition, err := s.prepareVote(scope, request.ProjectID, request.Key)
		if err != nil {
			return err
		}
		vote, err = s.castVote(scope, project, definition, request.VoterID.String(), request.Target, triggerVote)
		return err
	})
	if err != nil {
		return VoteRecord{}, err
	}
	return vote, nil
}

// SwitchVote moves the voter's existing vote for the key onto another proposal. The
// weight stamped at cast time is carried over.
func (s *Service) SwitchVote(ctx context.Context, request VoteRequest) (VoteRecord, error) {
	var vote VoteRecord
	err := s.runTransaction(ctx, opSwitchVote, func(scope *txScope) error {
		project, definition, err := s.prepareVote(scope, request.ProjectID, request.Key)
		if err != nil {
			return err
		}
		existing, err := s.findVote(scope, project.ProjectID, definition.Key, request.VoterID.String())
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s has no vote for %s", ErrNoConflictingVote, request.VoterID, definition.Key)
		}
		vote, err = s.switchVote(scope, project, definition, *existing, request.Target, triggerSwitch)
		return err
	})
	if err != nil {
		return VoteRecord{}, err
	}
	return vote, nil
}

// WithdrawVote deletes the voter's vote for the key and returns the removed record.
func (s *Service) WithdrawVote(ctx context.Context, voterID UserID, projectID ProjectID, rawKey string) (VoteRecord, error) {
	var vote VoteRecord
	err := s.runTransaction(ctx, opWithdrawVote, func(scope *txScope) error {
		project, definition, err := s.prepareVote(scope, projectID, rawKey)
		if err != nil {
			return err
		}
		existing, err := s.findVote(scope, project.ProjectID, definition.Key, voterID.String())
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s has no vote for %s", ErrNoConflictingVote, voterID, definition.Key)
		}
		if project.IsPublished && existing.Target().Kind() == ProposalKindDraft {
			return fmt.Errorf("%w: draft votes are frozen", ErrProjectAlreadyPublished)
		}
		if err := scope.tx.Where("vote_id = ?", existing.VoteID).Delete(&VoteRecord{}).Error; err != nil {
			return s.storeError(scope, reasonWriteFailed, err, zap.String("vote_id", existing.VoteID))
		}
		if _, err := s.resolveLeadership(scope, project, definition, triggerWithdraw); err != nil {
			return err
		}
		scope.afterCommit = append(scope.afterCommit, s.metrics.VoteWithdrawn)
		vote = *existing
		return nil
	})
	if err != nil {
		return VoteRecord{}, err
	}
	return vote, nil
}

func (s *Service) prepareVote(scope *txScope, projectID ProjectID, rawKey string) (Project, fields.Definition, error) {
	definition, err := s.lookupKey(rawKey)
	if err != nil {
		return Project{}, fields.Definition{}, err
	}
	project, err := s.loadProject(scope, projectID)
	if err != nil {
		return Project{}, fields.Definition{}, err
	}
	return project, definition, nil
}

// castVote inserts a fresh vote. The unique index on (project, key, voter) backs the
// in-transaction check against concurrent casts.
func (s *Service) castVote(scope *txScope, project Project, definition fields.Definition, voterID string, target ProposalRef, trigger leadershipTrigger) (VoteRecord, error) {
	creatorID, err := s.loadTarget(scope, project, definition.Key, target)
	if err != nil {
		return VoteRecord{}, err
	}
	existing, err := s.findVote(scope, project.ProjectID, definition.Key, voterID)
	if err != nil {
		return VoteRecord{}, err
	}
	if existing != nil {
		return VoteRecord{}, fmt.Errorf("%w: %s already backs %s", ErrAlreadyVoted, voterID, existing.Target())
	}
	weight, err := s.currentWeight(scope, voterID)
	if err != nil {
		return VoteRecord{}, err
	}
	voteID, err := s.newID(scope)
	if err != nil {
		return VoteRecord{}, err
	}

	vote := VoteRecord{
		VoteID:           voteID,
		ProjectID:        project.ProjectID,
		Key:              definition.Key.String(),
		VoterID:          voterID,
		Weight:           weight,
		CreatedAtSeconds: scope.nowSeconds,
		UpdatedAtSeconds: scope.nowSeconds,
	}
	vote.pointTo(target)
	if err := scope.tx.Create(&vote).Error; err != nil {
		if isUniqueViolation(err) {
			return VoteRecord{}, fmt.Errorf("%w: %s", ErrAlreadyVoted, voterID)
		}
		return VoteRecord{}, s.storeError(scope, reasonWriteFailed, err,
			zap.String("project_id", project.ProjectID), zap.String("voter_id", voterID))
	}

	if err := s.notifySupported(scope, project.ProjectID, target, creatorID, voterID); err != nil {
		return VoteRecord{}, err
	}
	if _, err := s.resolveLeadership(scope, project, definition, trigger); err != nil {
		return VoteRecord{}, err
	}
	scope.afterCommit = append(scope.afterCommit, s.metrics.VoteCast)
	return vote, nil
}

func (s *Service) switchVote(scope *txScope, project Project, definition fields.Definition, existing VoteRecord, target ProposalRef, trigger leadershipTrigger) (VoteRecord, error) {
	if existing.Target() == target {
		return VoteRecord{}, fmt.Errorf("%w: %s", ErrAlreadyVotedForTarget, target)
	}
	creatorID, err := s.loadTarget(scope, project, definition.Key, target)
	if err != nil {
		return VoteRecord{}, err
	}

	existing.pointTo(target)
	existing.UpdatedAtSeconds = scope.nowSeconds
	err = scope.tx.Model(&VoteRecord{}).
		Where("vote_id = ?", existing.VoteID).
		Updates(map[string]any{
			columnDraftProposalID: existing.DraftProposalID,
			columnFieldProposalID: existing.FieldProposalID,
			"updated_at_s":        existing.UpdatedAtSeconds,
		}).Error
	if err != nil {
		return VoteRecord{}, s.storeError(scope, reasonWriteFailed, err, zap.String("vote_id", existing.VoteID))
	}

	if err := s.notifySupported(scope, project.ProjectID, target, creatorID, existing.VoterID); err != nil {
		return VoteRecord{}, err
	}
	if _, err := s.resolveLeadership(scope, project, definition, trigger); err != nil {
		return VoteRecord{}, err
	}
	scope.afterCommit = append(scope.afterCommit, s.metrics.VoteSwitched)
	return existing, nil
}

// autoVote makes a creator back their own new proposal, moving any vote they already hold.
func (s *Service) autoVote(scope *txScope, project Project, definition fields.Definition, creatorID string, own ProposalRef) (VoteRecord, error) {
	existing, err := s.findVote(scope, project.ProjectID, definition.Key, creatorID)
	if err != nil {
		return VoteRecord{}, err
	}
	if existing != nil {
		return s.switchVote(scope, project, definition, *existing, own, triggerProposal)
	}
	return s.castVote(scope, project, definition, creatorID, own, triggerProposal)
}

func (s *Service) findVote(scope *txScope, projectID string, key fields.Key, voterID string) (*VoteRecord, error) {
	var vote VoteRecord
	err := scope.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project_id = ? AND field_key = ? AND voter_id = ?", projectID, key.String(), voterID).
		Take(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.storeError(scope, reasonQueryFailed, err,
			zap.String("project_id", projectID), zap.String("voter_id", voterID))
	}
	return &vote, nil
}

// loadTarget checks the target against the project's phase and key and returns its creator.
func (s *Service) loadTarget(scope *txScope, project Project, key fields.Key, target ProposalRef) (string, error) {
	if target.IsZero() {
		return "", fmt.Errorf("%w: empty target", ErrTargetNotFound)
	}
	switch target.Kind() {
	case ProposalKindDraft:
		if project.IsPublished {
			return "", fmt.Errorf("%w: %s", ErrProjectAlreadyPublished, project.ProjectID)
		}
		var draft DraftProposal
		err := scope.tx.Where("draft_id = ? AND project_id = ?", target.ID(), project.ProjectID).Take(&draft).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s", ErrTargetNotFound, target)
		}
		if err != nil {
			return "", s.storeError(scope, reasonQueryFailed, err, zap.String("target", target.String()))
		}
		if _, ok := draft.Item(key.String()); !ok {
			return "", fmt.Errorf("%w: %s has no %s item", ErrTargetNotFound, target, key)
		}
		return draft.CreatorID, nil
	case ProposalKindField:
		if !project.IsPublished {
			return "", fmt.Errorf("%w: %s", ErrProjectNotPublished, project.ProjectID)
		}
		var proposal FieldProposal
		err := scope.tx.Where("proposal_id = ? AND project_id = ? AND field_key = ?", target.ID(), project.ProjectID, key.String()).
			Take(&proposal).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s", ErrTargetNotFound, target)
		}
		if err != nil {
			return "", s.storeError(scope, reasonQueryFailed, err, zap.String("target", target.String()))
		}
		return proposal.CreatorID, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}
}
