package consensus

import (
	"math"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	"go.uber.org/zap"
)

// firstContributionReward is paid once per (project, key) to the first field proposal's creator.
func firstContributionReward(definition fields.Definition, rules Rules) int64 {
	return int64(math.Round(definition.AccountabilityMetric * float64(rules.Weight) * rules.RewardPercent))
}

// takeoverReward is paid when third-party votes carry a proposal past the sitting leader.
// It is always positive so the creator's weight strictly increases.
func takeoverReward(definition fields.Definition, rules Rules) int64 {
	return maxInt64(1, firstContributionReward(definition, rules))
}

// publishReward is paid to a project's creator when the project publishes.
func publishReward(rules Rules) int64 {
	return int64(math.Round(float64(rules.EssentialItemWeightAmount) * (1 - rules.RewardPercent)))
}

// claimFirstContribution flips has_proposal for the key. Only the caller that flips it
// may pay the first-contribution reward.
func (s *Service) claimFirstContribution(scope *txScope, projectID string, key fields.Key) (bool, error) {
	if _, err := s.lockProjectField(scope, projectID, key); err != nil {
		return false, err
	}
	result := scope.tx.Model(&ProjectField{}).
		Where("project_id = ? AND field_key = ? AND has_proposal = ?", projectID, key.String(), false).
		Updates(map[string]any{"has_proposal": true, "updated_at_s": scope.nowSeconds})
	if result.Error != nil {
		return false, s.storeError(scope, reasonWriteFailed, result.Error,
			zap.String("project_id", projectID), zap.String("field_key", key.String()))
	}
	return result.RowsAffected == 1, nil
}

// rewardFirstContribution pays and announces the reward when proposal is the first for its key.
func (s *Service) rewardFirstContribution(scope *txScope, proposal FieldProposal, definition fields.Definition) (int64, error) {
	claimed, err := s.claimFirstContribution(scope, proposal.ProjectID, definition.Key)
	if err != nil || !claimed {
		return 0, err
	}
	amount := firstContributionReward(definition, s.rules)
	ref := creditRef{projectID: proposal.ProjectID, proposalID: proposal.ProposalID}
	if err := s.credit(scope, proposal.CreatorID, amount, RewardReasonFirstContribution, ref); err != nil {
		return 0, err
	}
	err = s.notify(scope, proposal.CreatorID, NotificationCreateItemProposal, notificationPayload{
		projectID: proposal.ProjectID,
		proposal:  FieldRef(proposal.ProposalID),
		reward:    int64Pointer(amount),
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// announceLeadership notifies the creators touched by a field-phase leadership change and
// pays the takeover reward when a cast or switched vote carried a proposal to its first takeover.
// Takeovers caused by a withdrawal or by proposal creation are announced without a reward.
func (s *Service) announceLeadership(scope *txScope, project Project, definition fields.Definition, decision leadershipDecision, tallies []proposalTally, trigger leadershipTrigger, ledBefore bool) error {
	creators := make(map[ProposalRef]string, len(tallies))
	for _, tally := range tallies {
		creators[tally.ref] = tally.creatorID
	}
	leaderCreator := creators[decision.leader]

	if !decision.takeover() {
		return s.notify(scope, leaderCreator, NotificationItemProposalPassed, notificationPayload{
			projectID: project.ProjectID,
			proposal:  decision.leader,
		})
	}

	err := s.notify(scope, creators[decision.previous], NotificationItemProposalLostLeading, notificationPayload{
		projectID: project.ProjectID,
		proposal:  decision.previous,
	})
	if err != nil {
		return err
	}

	payload := notificationPayload{projectID: project.ProjectID, proposal: decision.leader}
	if accumulatesWeight(trigger) && !ledBefore {
		amount := takeoverReward(definition, s.rules)
		ref := creditRef{projectID: project.ProjectID, proposalID: decision.leader.ID()}
		if err := s.credit(scope, leaderCreator, amount, RewardReasonLeadershipTakeover, ref); err != nil {
			return err
		}
		payload.reward = int64Pointer(amount)
	}
	return s.notify(scope, leaderCreator, NotificationItemProposalBecameLeading, payload)
}

func accumulatesWeight(trigger leadershipTrigger) bool {
	return trigger == triggerVote || trigger == triggerSwitch
}
