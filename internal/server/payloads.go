package server

import (
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
)

type fieldValuePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type proposalRefPayload struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type projectPayload struct {
	ProjectID          string  `json:"project_id"`
	CreatorID          string  `json:"creator_id"`
	IsPublished        bool    `json:"is_published"`
	WinningDraftID     *string `json:"winning_draft_id,omitempty"`
	CreatedAtSeconds   int64   `json:"created_at_s"`
	PublishedAtSeconds *int64  `json:"published_at_s,omitempty"`
}

type draftPayload struct {
	DraftID          string              `json:"draft_id"`
	ProjectID        string              `json:"project_id"`
	CreatorID        string              `json:"creator_id"`
	Items            []fieldValuePayload `json:"items"`
	Refs             []fieldValuePayload `json:"refs,omitempty"`
	CreatedAtSeconds int64               `json:"created_at_s"`
}

type fieldProposalPayload struct {
	ProposalID       string  `json:"proposal_id"`
	ProjectID        string  `json:"project_id"`
	Key              string  `json:"key"`
	CreatorID        string  `json:"creator_id"`
	Value            string  `json:"value"`
	Ref              *string `json:"ref,omitempty"`
	Reason           *string `json:"reason,omitempty"`
	CreatedAtSeconds int64   `json:"created_at_s"`
}

type votePayload struct {
	VoteID           string             `json:"vote_id"`
	ProjectID        string             `json:"project_id"`
	Key              string             `json:"key"`
	VoterID          string             `json:"voter_id"`
	Weight           int64              `json:"weight"`
	Target           proposalRefPayload `json:"target"`
	CreatedAtSeconds int64              `json:"created_at_s"`
	UpdatedAtSeconds int64              `json:"updated_at_s"`
}

type snapshotPayload struct {
	Name             string              `json:"name"`
	Categories       []string            `json:"categories"`
	Items            []fieldValuePayload `json:"items"`
	CreatedAtSeconds int64               `json:"created_at_s"`
}

type projectViewPayload struct {
	Project         projectPayload                `json:"project"`
	HasProposalKeys []string                      `json:"has_proposal_keys"`
	ItemsTopWeight  map[string]int64              `json:"items_top_weight"`
	Leaders         map[string]proposalRefPayload `json:"leaders"`
	Drafts          []draftPayload                `json:"drafts"`
	FieldProposals  []fieldProposalPayload        `json:"field_proposals"`
	Snapshot        *snapshotPayload              `json:"snapshot,omitempty"`
}

type leadershipPayload struct {
	Target           proposalRefPayload `json:"target"`
	IsNotLeading     bool               `json:"is_not_leading"`
	CreatedAtSeconds int64              `json:"created_at_s"`
}

type notificationPayload struct {
	NotificationID    string              `json:"notification_id"`
	Type              string              `json:"type"`
	ProjectID         *string             `json:"project_id,omitempty"`
	Proposal          *proposalRefPayload `json:"proposal,omitempty"`
	Reward            *int64              `json:"reward,omitempty"`
	VoterID           *string             `json:"voter_id,omitempty"`
	CreatedAtSeconds  int64               `json:"created_at_s"`
	ReadAtSeconds     *int64              `json:"read_at_s,omitempty"`
	ArchivedAtSeconds *int64              `json:"archived_at_s,omitempty"`
}

type weightCreditPayload struct {
	Amount           int64   `json:"amount"`
	Reason           string  `json:"reason"`
	ProjectID        *string `json:"project_id,omitempty"`
	ProposalID       *string `json:"proposal_id,omitempty"`
	CreatedAtSeconds int64   `json:"created_at_s"`
}

func newFieldValues(values []consensus.FieldValue) []fieldValuePayload {
	payload := make([]fieldValuePayload, 0, len(values))
	for _, value := range values {
		payload = append(payload, fieldValuePayload{Key: value.Key, Value: value.Value})
	}
	return payload
}

func toFieldValues(values []fieldValuePayload) []consensus.FieldValue {
	converted := make([]consensus.FieldValue, 0, len(values))
	for _, value := range values {
		converted = append(converted, consensus.FieldValue{Key: value.Key, Value: value.Value})
	}
	return converted
}

func newProposalRef(ref consensus.ProposalRef) proposalRefPayload {
	return proposalRefPayload{Kind: string(ref.Kind()), ID: ref.ID()}
}

func newProject(project consensus.Project) projectPayload {
	return projectPayload{
		ProjectID:          project.ProjectID,
		CreatorID:          project.CreatorID,
		IsPublished:        project.IsPublished,
		WinningDraftID:     project.WinningDraftID,
		CreatedAtSeconds:   project.CreatedAtSeconds,
		PublishedAtSeconds: project.PublishedAtSeconds,
	}
}

func newDraft(draft consensus.DraftProposal) draftPayload {
	return draftPayload{
		DraftID:          draft.DraftID,
		ProjectID:        draft.ProjectID,
		CreatorID:        draft.CreatorID,
		Items:            newFieldValues(draft.Items),
		Refs:             newFieldValues(draft.Refs),
		CreatedAtSeconds: draft.CreatedAtSeconds,
	}
}

func newFieldProposal(proposal consensus.FieldProposal) fieldProposalPayload {
	return fieldProposalPayload{
		ProposalID:       proposal.ProposalID,
		ProjectID:        proposal.ProjectID,
		Key:              proposal.Key,
		CreatorID:        proposal.CreatorID,
		Value:            proposal.Value,
		Ref:              proposal.Ref,
		Reason:           proposal.Reason,
		CreatedAtSeconds: proposal.CreatedAtSeconds,
	}
}

func newVote(vote consensus.VoteRecord) votePayload {
	return votePayload{
		VoteID:           vote.VoteID,
		ProjectID:        vote.ProjectID,
		Key:              vote.Key,
		VoterID:          vote.VoterID,
		Weight:           vote.Weight,
		Target:           newProposalRef(vote.Target()),
		CreatedAtSeconds: vote.CreatedAtSeconds,
		UpdatedAtSeconds: vote.UpdatedAtSeconds,
	}
}

func newVotes(votes []consensus.VoteRecord) []votePayload {
	payload := make([]votePayload, 0, len(votes))
	for _, vote := range votes {
		payload = append(payload, newVote(vote))
	}
	return payload
}

func newProjectView(view consensus.ProjectView) projectViewPayload {
	payload := projectViewPayload{
		Project:         newProject(view.Project),
		HasProposalKeys: append([]string{}, view.HasProposalKeys...),
		ItemsTopWeight:  view.ItemsTopWeight,
		Leaders:         make(map[string]proposalRefPayload, len(view.Leaders)),
		Drafts:          make([]draftPayload, 0, len(view.Drafts)),
		FieldProposals:  make([]fieldProposalPayload, 0, len(view.FieldProposals)),
	}
	if payload.ItemsTopWeight == nil {
		payload.ItemsTopWeight = map[string]int64{}
	}
	for key, ref := range view.Leaders {
		payload.Leaders[key] = newProposalRef(ref)
	}
	for _, draft := range view.Drafts {
		payload.Drafts = append(payload.Drafts, newDraft(draft))
	}
	for _, proposal := range view.FieldProposals {
		payload.FieldProposals = append(payload.FieldProposals, newFieldProposal(proposal))
	}
	if view.Snapshot != nil {
		payload.Snapshot = &snapshotPayload{
			Name:             view.Snapshot.Name,
			Categories:       append([]string{}, view.Snapshot.Categories...),
			Items:            newFieldValues(view.Snapshot.Items),
			CreatedAtSeconds: view.Snapshot.CreatedAtSeconds,
		}
	}
	return payload
}

func newNotification(notification consensus.Notification) notificationPayload {
	payload := notificationPayload{
		NotificationID:    notification.NotificationID,
		Type:              string(notification.Type),
		ProjectID:         notification.ProjectID,
		Reward:            notification.Reward,
		VoterID:           notification.VoterID,
		CreatedAtSeconds:  notification.CreatedAtSeconds,
		ReadAtSeconds:     notification.ReadAtSeconds,
		ArchivedAtSeconds: notification.ArchivedAtSeconds,
	}
	switch {
	case notification.DraftProposalID != nil:
		payload.Proposal = &proposalRefPayload{Kind: string(consensus.ProposalKindDraft), ID: *notification.DraftProposalID}
	case notification.FieldProposalID != nil:
		payload.Proposal = &proposalRefPayload{Kind: string(consensus.ProposalKindField), ID: *notification.FieldProposalID}
	}
	return payload
}
