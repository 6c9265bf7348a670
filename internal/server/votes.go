package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleCastVote(c *gin.Context) {
	request, ok := h.bindVoteRequest(c)
	if !ok {
		return
	}
	vote, err := h.engine.CastVote(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vote": newVote(vote)})
}

func (h *httpHandler) handleSwitchVote(c *gin.Context) {
	request, ok := h.bindVoteRequest(c)
	if !ok {
		return
	}
	vote, err := h.engine.SwitchVote(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vote": newVote(vote)})
}

func (h *httpHandler) handleWithdrawVote(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, ok := h.projectIDParam(c)
	if !ok {
		return
	}
	vote, err := h.engine.WithdrawVote(c.Request.Context(), userID, projectID, c.Param("key"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawn": newVote(vote)})
}

func (h *httpHandler) handleListProjectVotes(c *gin.Context) {
	projectID, ok := h.projectIDParam(c)
	if !ok {
		return
	}
	votes, err := h.engine.ListVotesByProject(c.Request.Context(), projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": newVotes(votes)})
}

func (h *httpHandler) handleListProposalVotes(c *gin.Context) {
	ref, err := parseProposalRef(c.Param("kind"), c.Param("proposalId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_proposal"})
		return
	}
	votes, err := h.engine.ListVotesByProposal(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": newVotes(votes)})
}

func (h *httpHandler) bindVoteRequest(c *gin.Context) (consensus.VoteRequest, bool) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return consensus.VoteRequest{}, false
	}
	projectID, ok := h.projectIDParam(c)
	if !ok {
		return consensus.VoteRequest{}, false
	}
	var payload voteRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return consensus.VoteRequest{}, false
	}
	target, err := parseProposalRef(payload.ProposalKind, payload.ProposalID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_proposal"})
		return consensus.VoteRequest{}, false
	}
	return consensus.VoteRequest{
		VoterID:   userID,
		ProjectID: projectID,
		Key:       payload.Key,
		Target:    target,
	}, true
}
