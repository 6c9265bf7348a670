package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleCurrentWeight(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	weight, err := h.engine.CurrentWeight(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	credits, err := h.engine.ListWeightCredits(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]weightCreditPayload, 0, len(credits))
	for _, credit := range credits {
		payload = append(payload, weightCreditPayload{
			Amount:           credit.Amount,
			Reason:           string(credit.Reason),
			ProjectID:        credit.ProjectID,
			ProposalID:       credit.ProposalID,
			CreatedAtSeconds: credit.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"weight":  weight,
		"credits": payload,
	})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	includeArchived, _ := strconv.ParseBool(c.DefaultQuery("include_archived", "false"))
	notifications, err := h.engine.ListNotifications(c.Request.Context(), userID, includeArchived)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]notificationPayload, 0, len(notifications))
	for _, notification := range notifications {
		payload = append(payload, newNotification(notification))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": payload})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	notification, err := h.engine.MarkNotificationRead(c.Request.Context(), userID, c.Param("notificationId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": newNotification(notification)})
}

func (h *httpHandler) handleArchiveNotification(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	notification, err := h.engine.ArchiveNotification(c.Request.Context(), userID, c.Param("notificationId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": newNotification(notification)})
}

// handleNotificationStream relays the caller's notifications as server-sent events until the client disconnects.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, newNotification(message.Notification))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "time_s": tick.UTC().Unix()})
			return true
		}
	})
}
