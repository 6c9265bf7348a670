package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "tribune_user_id"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingEngine           = errors.New("consensus engine dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
)

// SessionValidator authenticates a request from its session cookie or bearer token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// UserResolver maps session claims to a canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (consensus.UserID, error)
}

type Dependencies struct {
	Sessions          SessionValidator
	Users             UserResolver
	Engine            *consensus.Service
	Realtime          *RealtimeDispatcher
	Metrics           *metrics.Recorder
	Gatherer          prometheus.Gatherer
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		sessions:  deps.Sessions,
		users:     deps.Users,
		engine:    deps.Engine,
		realtime:  deps.Realtime,
		metrics:   deps.Metrics,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.countRequests)
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/fields", handler.handleListFields)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	public := router.Group("/")
	public.GET("/projects/:projectId", handler.handleGetProject)
	public.GET("/projects/:projectId/votes", handler.handleListProjectVotes)
	public.GET("/projects/:projectId/leadership/:key", handler.handleListLeadership)
	public.GET("/proposals/:kind/:proposalId/votes", handler.handleListProposalVotes)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/projects", handler.handleCreateProject)
	protected.POST("/projects/:projectId/drafts", handler.handleCreateDraft)
	protected.POST("/projects/:projectId/proposals", handler.handleCreateFieldProposal)
	protected.POST("/projects/:projectId/votes", handler.handleCastVote)
	protected.POST("/projects/:projectId/votes/switch", handler.handleSwitchVote)
	protected.DELETE("/projects/:projectId/votes/:key", handler.handleWithdrawVote)
	protected.GET("/me/weight", handler.handleCurrentWeight)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/stream", handler.handleNotificationStream)
	protected.POST("/notifications/:notificationId/read", handler.handleMarkNotificationRead)
	protected.POST("/notifications/:notificationId/archive", handler.handleArchiveNotification)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserResolver
	engine    *consensus.Service
	realtime  *RealtimeDispatcher
	metrics   *metrics.Recorder
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) countRequests(c *gin.Context) {
	c.Next()
	h.metrics.HTTPRequest(c.FullPath(), c.Request.Method, c.Writer.Status())
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQueryParam)); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func currentUserID(c *gin.Context) (consensus.UserID, bool) {
	value, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(consensus.UserID)
	return userID, ok && userID != ""
}

// statusForError maps engine sentinels to HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, consensus.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, consensus.ErrAlreadyVoted),
		errors.Is(err, consensus.ErrAlreadyVotedForTarget),
		errors.Is(err, consensus.ErrNoConflictingVote),
		errors.Is(err, consensus.ErrProjectAlreadyPublished),
		errors.Is(err, consensus.ErrProjectNotPublished):
		return http.StatusConflict
	case errors.Is(err, consensus.ErrEmptyOrInvalidKey),
		errors.Is(err, consensus.ErrInvalidInput),
		errors.Is(err, consensus.ErrInvalidUserID),
		errors.Is(err, consensus.ErrInvalidProjectID),
		errors.Is(err, consensus.ErrInvalidProposalRef):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	payload := gin.H{"error": "internal_error"}
	var serviceErr *consensus.ServiceError
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		payload["code"] = code
		if status != http.StatusInternalServerError {
			payload["error"] = code[strings.LastIndex(code, ".")+1:]
		}
	} else if status == http.StatusBadRequest {
		payload["error"] = "invalid_request"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, payload)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
