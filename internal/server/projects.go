package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	"github.com/gin-gonic/gin"
)

type draftRequestPayload struct {
	Items []fieldValuePayload `json:"items"`
	Refs  []fieldValuePayload `json:"refs"`
}

type fieldProposalRequestPayload struct {
	Key    string  `json:"key"`
	Value  string  `json:"value"`
	Ref    *string `json:"ref"`
	Reason *string `json:"reason"`
}

type voteRequestPayload struct {
	Key          string `json:"key"`
	ProposalKind string `json:"proposal_kind"`
	ProposalID   string `json:"proposal_id"`
}

type fieldDefinitionPayload struct {
	Key                  string  `json:"key"`
	Essential            bool    `json:"essential"`
	AccountabilityMetric float64 `json:"accountability_metric"`
	PublishMinWeight     int64   `json:"publish_min_weight"`
}

func (h *httpHandler) handleListFields(c *gin.Context) {
	registry := h.engine.Registry()
	rules := h.engine.Rules()
	definitions := make([]fieldDefinitionPayload, 0, len(registry.Keys()))
	for _, key := range registry.Keys() {
		definition, err := registry.Lookup(key.String())
		if err != nil {
			continue
		}
		minWeight := definition.PublishMinWeight
		if definition.Essential && minWeight == 0 {
			minWeight = rules.DefaultPublishMinWeight
		}
		definitions = append(definitions, fieldDefinitionPayload{
			Key:                  key.String(),
			Essential:            definition.Essential,
			AccountabilityMetric: definition.AccountabilityMetric,
			PublishMinWeight:     minWeight,
		})
	}
	c.JSON(http.StatusOK, gin.H{"fields": definitions})
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request draftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submission, err := h.engine.CreateProject(c.Request.Context(), consensus.DraftRequest{
		CreatorID: userID,
		Items:     toFieldValues(request.Items),
		Refs:      toFieldValues(request.Refs),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"project": newProject(submission.Project),
		"draft":   newDraft(submission.Draft),
		"votes":   newVotes(submission.Votes),
	})
}

func (h *httpHandler) handleCreateDraft(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, ok := h.projectIDParam(c)
	if !ok {
		return
	}
	var request draftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.engine.CreateDraftProposal(c.Request.Context(), projectID, consensus.DraftRequest{
		CreatorID: userID,
		Items:     toFieldValues(request.Items),
		Refs:      toFieldValues(request.Refs),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"draft": newDraft(result.Draft),
		"votes": newVotes(result.Votes),
	})
}

func (h *httpHandler) handleCreateFieldProposal(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, ok := h.projectIDParam(c)
	if !ok {
		return
	}
	var request fieldProposalRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.engine.CreateFieldProposal(c.Request.Context(), consensus.FieldProposalRequest{
		CreatorID: userID,
		ProjectID: projectID,
		Key:       request.Key,
		Value:     request.Value,
		Ref:       request.Ref,
		Reason:    request.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"proposal": newFieldProposal(result.Proposal),
		"vote":     newVote(result.Vote),
		"reward":   result.Reward,
	})
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	projectID, ok := h.projectIDParam(c)
	if !ok {
		return
	}
	view, err := h.engine.GetProject(c.Request.Context(), projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProjectView(view))
}

func (h *httpHandler) handleListLeadership(c *gin.Context) {
	projectID, ok := h.projectIDParam(c)
	if !ok {
		return
	}
	entries, err := h.engine.ListLeadershipLog(c.Request.Context(), projectID, c.Param("key"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]leadershipPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, leadershipPayload{
			Target:           newProposalRef(entry.Target()),
			IsNotLeading:     entry.IsNotLeading,
			CreatedAtSeconds: entry.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (h *httpHandler) projectIDParam(c *gin.Context) (consensus.ProjectID, bool) {
	projectID, err := consensus.NewProjectID(c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id"})
		return "", false
	}
	return projectID, true
}

func parseProposalRef(kind, id string) (consensus.ProposalRef, error) {
	return consensus.NewProposalRef(consensus.ProposalKind(strings.ToLower(strings.TrimSpace(kind))), id)
}
