package consensus

import (
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// leadershipTrigger names the mutation that asked for a recomputation.
type leadershipTrigger string

const (
	triggerProposal leadershipTrigger = "proposal"
	triggerVote     leadershipTrigger = "vote"
	triggerSwitch   leadershipTrigger = "switch"
	triggerWithdraw leadershipTrigger = "withdraw"
)

// proposalTally is one candidate's standing for a key.
type proposalTally struct {
	ref              ProposalRef
	creatorID        string
	weight           int64
	voters           int
	createdAtSeconds int64
}

type leadershipInput struct {
	essential bool
	quorum    int
	tallies   []proposalTally
	incumbent ProposalRef
	topWeight int64
}

type leadershipDecision struct {
	leader    ProposalRef
	previous  ProposalRef
	changed   bool
	topWeight int64
}

// takeover reports whether an existing leader was displaced.
func (decision leadershipDecision) takeover() bool {
	return decision.changed && !decision.previous.IsZero()
}

func distinctVoters(tallies []proposalTally) int {
	total := 0
	for _, tally := range tallies {
		total += tally.voters
	}
	return total
}

// ranksAbove orders tallies by weight, then creation time, then identifier.
func ranksAbove(left, right proposalTally) bool {
	if left.weight != right.weight {
		return left.weight > right.weight
	}
	if left.createdAtSeconds != right.createdAtSeconds {
		return left.createdAtSeconds < right.createdAtSeconds
	}
	return left.ref.ID() < right.ref.ID()
}

// decideLeadership computes the leader of one key from its current tallies.
// Essential keys need no quorum. An incumbent keeps leadership unless a challenger's
// sum strictly exceeds its own. Top weight never decreases.
func decideLeadership(input leadershipInput) leadershipDecision {
	decision := leadershipDecision{leader: input.incumbent, topWeight: input.topWeight}
	if len(input.tallies) == 0 {
		return decision
	}

	ranked := make([]proposalTally, len(input.tallies))
	copy(ranked, input.tallies)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranksAbove(ranked[i], ranked[j])
	})

	if input.incumbent.IsZero() {
		if !input.essential && distinctVoters(ranked) < input.quorum {
			return decision
		}
		best := ranked[0]
		decision.leader = best.ref
		decision.changed = true
		decision.topWeight = maxInt64(input.topWeight, best.weight)
		return decision
	}

	var incumbentWeight int64
	var challenger *proposalTally
	for index := range ranked {
		if ranked[index].ref == input.incumbent {
			incumbentWeight = ranked[index].weight
			continue
		}
		if challenger == nil {
			challenger = &ranked[index]
		}
	}
	if challenger != nil && challenger.weight > incumbentWeight {
		decision.previous = input.incumbent
		decision.leader = challenger.ref
		decision.changed = true
		decision.topWeight = maxInt64(input.topWeight, challenger.weight)
		return decision
	}
	decision.topWeight = maxInt64(input.topWeight, incumbentWeight)
	return decision
}

// lockProjectField returns the per-key state row, creating it on first use.
func (s *Service) lockProjectField(scope *txScope, projectID string, key fields.Key) (ProjectField, error) {
	row := ProjectField{ProjectID: projectID, Key: key.String(), UpdatedAtSeconds: scope.nowSeconds}
	err := scope.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "field_key"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return ProjectField{}, s.storeError(scope, reasonWriteFailed, err,
			zap.String("project_id", projectID), zap.String("field_key", key.String()))
	}

	var locked ProjectField
	err = scope.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project_id = ? AND field_key = ?", projectID, key.String()).
		Take(&locked).Error
	if err != nil {
		return ProjectField{}, s.storeError(scope, reasonQueryFailed, err,
			zap.String("project_id", projectID), zap.String("field_key", key.String()))
	}
	return locked, nil
}

type voteAggregate struct {
	ProposalID string
	Total      int64
	Voters     int
}

// loadTallies gathers every candidate of the project's current phase for the key,
// including candidates without votes.
func (s *Service) loadTallies(scope *txScope, project Project, key fields.Key) ([]proposalTally, error) {
	kind := ProposalKindDraft
	if project.IsPublished {
		kind = ProposalKindField
	}
	logFields := []zap.Field{zap.String("project_id", project.ProjectID), zap.String("field_key", key.String())}

	var tallies []proposalTally
	if kind == ProposalKindDraft {
		var drafts []DraftProposal
		if err := scope.tx.Where("project_id = ?", project.ProjectID).Find(&drafts).Error; err != nil {
			return nil, s.storeError(scope, reasonQueryFailed, err, logFields...)
		}
		for _, draft := range drafts {
			if _, ok := draft.Item(key.String()); !ok {
				continue
			}
			tallies = append(tallies, proposalTally{
				ref:              DraftRef(draft.DraftID),
				creatorID:        draft.CreatorID,
				createdAtSeconds: draft.CreatedAtSeconds,
			})
		}
	} else {
		var proposals []FieldProposal
		err := scope.tx.Where("project_id = ? AND field_key = ?", project.ProjectID, key.String()).
			Find(&proposals).Error
		if err != nil {
			return nil, s.storeError(scope, reasonQueryFailed, err, logFields...)
		}
		for _, proposal := range proposals {
			tallies = append(tallies, proposalTally{
				ref:              FieldRef(proposal.ProposalID),
				creatorID:        proposal.CreatorID,
				createdAtSeconds: proposal.CreatedAtSeconds,
			})
		}
	}
	if len(tallies) == 0 {
		return nil, nil
	}

	column := DraftRef("").column()
	if kind == ProposalKindField {
		column = FieldRef("").column()
	}
	var aggregates []voteAggregate
	err := scope.tx.Model(&VoteRecord{}).
		Select(column+" AS proposal_id, COALESCE(SUM(weight), 0) AS total, COUNT(*) AS voters").
		Where("project_id = ? AND field_key = ? AND "+column+" IS NOT NULL", project.ProjectID, key.String()).
		Group(column).
		Scan(&aggregates).Error
	if err != nil {
		return nil, s.storeError(scope, reasonQueryFailed, err, logFields...)
	}
	byProposal := make(map[string]voteAggregate, len(aggregates))
	for _, aggregate := range aggregates {
		byProposal[aggregate.ProposalID] = aggregate
	}
	for index := range tallies {
		aggregate := byProposal[tallies[index].ref.ID()]
		tallies[index].weight = aggregate.Total
		tallies[index].voters = aggregate.Voters
	}
	return tallies, nil
}

// resolveLeadership recomputes the leader of one key inside the caller's transaction,
// appends the log transitions and hands field-phase changes to the reward issuer.
func (s *Service) resolveLeadership(scope *txScope, project Project, definition fields.Definition, trigger leadershipTrigger) (leadershipDecision, error) {
	kind := ProposalKindDraft
	if project.IsPublished {
		kind = ProposalKindField
	}
	state, err := s.lockProjectField(scope, project.ProjectID, definition.Key)
	if err != nil {
		return leadershipDecision{}, err
	}
	tallies, err := s.loadTallies(scope, project, definition.Key)
	if err != nil {
		return leadershipDecision{}, err
	}

	decision := decideLeadership(leadershipInput{
		essential: definition.Essential,
		quorum:    s.rules.QuorumAmount,
		tallies:   tallies,
		incumbent: state.leader(kind),
		topWeight: state.TopWeight,
	})

	if decision.changed {
		ledBefore, err := s.hasLed(scope, decision.leader)
		if err != nil {
			return leadershipDecision{}, err
		}
		if decision.takeover() {
			if err := s.appendLeadershipLog(scope, project.ProjectID, definition.Key, decision.previous, true); err != nil {
				return leadershipDecision{}, err
			}
		}
		if err := s.appendLeadershipLog(scope, project.ProjectID, definition.Key, decision.leader, false); err != nil {
			return leadershipDecision{}, err
		}
		if err := s.storeLeader(scope, state, kind, decision); err != nil {
			return leadershipDecision{}, err
		}
		transition := "first"
		if decision.takeover() {
			transition = "takeover"
		}
		scope.afterCommit = append(scope.afterCommit, func() {
			s.metrics.LeadershipChanged(transition)
		})
		if kind == ProposalKindField {
			if err := s.announceLeadership(scope, project, definition, decision, tallies, trigger, ledBefore); err != nil {
				return leadershipDecision{}, err
			}
		}
		return decision, nil
	}

	if decision.topWeight != state.TopWeight {
		if err := s.storeLeader(scope, state, kind, decision); err != nil {
			return leadershipDecision{}, err
		}
	}
	return decision, nil
}

func (s *Service) hasLed(scope *txScope, ref ProposalRef) (bool, error) {
	var count int64
	err := scope.tx.Model(&LeadershipLog{}).
		Where(ref.column()+" = ? AND is_not_leading = ?", ref.ID(), false).
		Count(&count).Error
	if err != nil {
		return false, s.storeError(scope, reasonQueryFailed, err, zap.String("proposal", ref.String()))
	}
	return count > 0, nil
}

func (s *Service) appendLeadershipLog(scope *txScope, projectID string, key fields.Key, ref ProposalRef, notLeading bool) error {
	entry := LeadershipLog{
		ProjectID:        projectID,
		Key:              key.String(),
		IsNotLeading:     notLeading,
		CreatedAtSeconds: scope.nowSeconds,
	}
	entry.DraftProposalID, entry.FieldProposalID = refColumns(ref)
	if err := scope.tx.Create(&entry).Error; err != nil {
		return s.storeError(scope, reasonWriteFailed, err,
			zap.String("project_id", projectID), zap.String("field_key", key.String()))
	}
	return nil
}

func (s *Service) storeLeader(scope *txScope, state ProjectField, kind ProposalKind, decision leadershipDecision) error {
	updates := map[string]any{
		"top_weight":   decision.topWeight,
		"updated_at_s": scope.nowSeconds,
	}
	if !decision.leader.IsZero() {
		if kind == ProposalKindDraft {
			updates[columnLeaderDraftID] = decision.leader.ID()
		} else {
			updates[columnLeaderFieldID] = decision.leader.ID()
		}
	}
	err := scope.tx.Model(&ProjectField{}).
		Where("project_id = ? AND field_key = ?", state.ProjectID, state.Key).
		Updates(updates).Error
	if err != nil {
		return s.storeError(scope, reasonWriteFailed, err,
			zap.String("project_id", state.ProjectID), zap.String("field_key", state.Key))
	}
	return nil
}

// loadProject reads a project, locking it when the caller mutates it.
func (s *Service) loadProject(scope *txScope, projectID ProjectID) (Project, error) {
	var project Project
	err := scope.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project_id = ?", projectID.String()).
		Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, errProjectNotFound(projectID)
	}
	if err != nil {
		return Project{}, s.storeError(scope, reasonQueryFailed, err, zap.String("project_id", projectID.String()))
	}
	return project, nil
}
