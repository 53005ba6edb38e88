package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/quellhq/noticequell/internal/allowlist"
	"github.com/quellhq/noticequell/internal/auth"
	"github.com/quellhq/noticequell/internal/notices"
	"github.com/quellhq/noticequell/internal/storage"
	"github.com/quellhq/noticequell/internal/suppression"
	"github.com/quellhq/noticequell/internal/visibility"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sessionClaimsContextKey = "noticequell_session_claims"

	defaultListLimit  = 50
	feedHeartbeatTick = 15 * time.Second
)

var (
	errMissingSessionManager = errors.New("session manager dependency required")
	errMissingEngine         = errors.New("suppression engine dependency required")
	errMissingLogStore       = errors.New("notice log store dependency required")
	errMissingAllowlist      = errors.New("allowlist store dependency required")
	errMissingVisibility     = errors.New("visibility store dependency required")
	errMissingAdminSecret    = errors.New("admin secret dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// SessionManager issues and validates operator session tokens.
type SessionManager interface {
	Issue(subject string, roles []string) (string, int64, error)
	Validate(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the suppression core.
type Dependencies struct {
	Sessions    SessionManager
	Engine      *suppression.Engine
	Log         *notices.LogStore
	Rules       *allowlist.Store
	Visibility  *visibility.Store
	Feed        *DecisionFeed
	Settings    suppression.Settings
	AdminSecret string
	RateLimit   rate.Limit
	RateBurst   int
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the suppression service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Log == nil {
		return nil, errMissingLogStore
	}
	if deps.Rules == nil {
		return nil, errMissingAllowlist
	}
	if deps.Visibility == nil {
		return nil, errMissingVisibility
	}
	if strings.TrimSpace(deps.AdminSecret) == "" {
		return nil, errMissingAdminSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	feed := deps.Feed
	if feed == nil {
		feed = NewDecisionFeed()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:    deps.Sessions,
		engine:      deps.Engine,
		log:         deps.Log,
		rules:       deps.Rules,
		visibility:  deps.Visibility,
		feed:        feed,
		settings:    deps.Settings,
		adminSecret: deps.AdminSecret,
		logger:      logger,
	}

	if deps.RateLimit > 0 {
		burst := deps.RateBurst
		if burst < 1 {
			burst = 1
		}
		handler.captureLimiter = rate.NewLimiter(deps.RateLimit, burst)
	}

	router.POST("/auth/session", handler.handleCreateSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notices/evaluate", handler.limitCaptures, handler.handleEvaluate)
	protected.GET("/visibility", handler.handleGetVisibility)
	protected.PUT("/visibility", handler.handleSetVisibility)

	admin := protected.Group("/")
	admin.Use(handler.requireAdmin)
	admin.GET("/notices", handler.handleListNotices)
	admin.GET("/notices/stream", handler.handleStream)
	admin.GET("/notices/:fingerprint", handler.handleGetNotice)
	admin.GET("/rules", handler.handleListRules)
	admin.POST("/rules", handler.handleAddRule)
	admin.DELETE("/rules/:id", handler.handleRemoveRule)

	return router, nil
}

type httpHandler struct {
	sessions       SessionManager
	engine         *suppression.Engine
	log            *notices.LogStore
	rules          *allowlist.Store
	visibility     *visibility.Store
	feed           *DecisionFeed
	settings       suppression.Settings
	adminSecret    string
	captureLimiter *rate.Limiter
	logger         *zap.Logger
}

type sessionRequestPayload struct {
	Subject string   `json:"subject" binding:"required"`
	Secret  string   `json:"secret" binding:"required"`
	Roles   []string `json:"roles"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleCreateSession exchanges the shared operator secret for a session
// token. The host application holds the secret and chooses the roles it
// grants each of its users; only sessions carrying the admin role may
// mutate the allowlist.
func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(request.Secret), []byte(h.adminSecret)) != 1 {
		h.logger.Warn("session secret rejected", zap.String("subject", request.Subject))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	roles := request.Roles
	if roles == nil {
		roles = []string{auth.RoleAdmin}
	}

	token, expiresIn, err := h.sessions.Issue(request.Subject, roles)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type evaluateRequestPayload struct {
	RawContent string `json:"raw_content" binding:"required"`
	SourceHint string `json:"source_hint"`
}

type evaluateResponsePayload struct {
	Decision        string `json:"decision"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	OccurrenceCount int64  `json:"occurrence_count,omitempty"`
	Suppressed      bool   `json:"suppressed"`
}

// handleEvaluate is the capture entry point: one call per rendered notice,
// answering keep or suppress for the requesting user.
func (h *httpHandler) handleEvaluate(c *gin.Context) {
	claims := h.sessionClaims(c)

	var request evaluateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.engine.Evaluate(c.Request.Context(), suppression.Capture{
		RawContent: request.RawContent,
		SourceHint: request.SourceHint,
		UserID:     claims.Subject,
	}, h.settings)
	if err != nil {
		h.respondError(c, "evaluate failed", err)
		return
	}

	response := evaluateResponsePayload{Decision: string(outcome.Decision)}
	if outcome.Notice != nil {
		response.Fingerprint = outcome.Notice.Fingerprint
		response.OccurrenceCount = outcome.Notice.OccurrenceCount
		response.Suppressed = outcome.Notice.Suppressed

		h.feed.Publish(DecisionEvent{
			Fingerprint:     outcome.Notice.Fingerprint,
			Decision:        string(outcome.Decision),
			SourceHint:      outcome.Notice.SourceHint,
			OccurrenceCount: outcome.Notice.OccurrenceCount,
			At:              time.Unix(outcome.Notice.LastSeenSeconds, 0).UTC(),
		})
	}

	c.JSON(http.StatusOK, response)
}

type noticePayload struct {
	Fingerprint     string `json:"fingerprint"`
	RawContent      string `json:"raw_content"`
	SourceHint      string `json:"source_hint"`
	FirstSeen       int64  `json:"first_seen_s"`
	LastSeen        int64  `json:"last_seen_s"`
	OccurrenceCount int64  `json:"occurrence_count"`
	Suppressed      bool   `json:"suppressed"`
}

func noticeToPayload(notice notices.Notice) noticePayload {
	return noticePayload{
		Fingerprint:     notice.Fingerprint,
		RawContent:      notice.RawContent,
		SourceHint:      notice.SourceHint,
		FirstSeen:       notice.FirstSeenSeconds,
		LastSeen:        notice.LastSeenSeconds,
		OccurrenceCount: notice.OccurrenceCount,
		Suppressed:      notice.Suppressed,
	}
}

func (h *httpHandler) handleListNotices(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit)
	offset := queryInt(c, "offset", 0)

	entries, err := h.log.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.respondError(c, "list notices failed", err)
		return
	}

	payload := make([]noticePayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, noticeToPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"notices": payload})
}

func (h *httpHandler) handleGetNotice(c *gin.Context) {
	fingerprint, err := notices.NewFingerprint(c.Param("fingerprint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_fingerprint"})
		return
	}

	notice, err := h.log.Get(c.Request.Context(), fingerprint)
	if errors.Is(err, notices.ErrNoticeNotFound) {
		// Allowlist back-references can outlive eviction; a miss means the
		// source notice is no longer available, not a fault.
		c.JSON(http.StatusNotFound, gin.H{"error": "notice_not_found"})
		return
	}
	if err != nil {
		h.respondError(c, "get notice failed", err)
		return
	}
	c.JSON(http.StatusOK, noticeToPayload(notice))
}

// handleStream serves the live decision feed over SSE.
func (h *httpHandler) handleStream(c *gin.Context) {
	events, cancel := h.feed.Subscribe(c.Request.Context())
	defer cancel()

	heartbeat := time.NewTicker(feedHeartbeatTick)
	defer heartbeat.Stop()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(FeedEventDecision, event)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type addRulePayload struct {
	PatternType       string `json:"pattern_type" binding:"required"`
	Value             string `json:"value" binding:"required"`
	SourceFingerprint string `json:"source_fingerprint"`
}

type rulePayload struct {
	RuleID            string `json:"rule_id"`
	PatternType       string `json:"pattern_type"`
	Value             string `json:"value"`
	CreatedBy         string `json:"created_by"`
	CreatedAt         int64  `json:"created_at_s"`
	SourceFingerprint string `json:"source_fingerprint,omitempty"`
}

func ruleToPayload(rule allowlist.Rule) rulePayload {
	return rulePayload{
		RuleID:            rule.RuleID,
		PatternType:       string(rule.PatternType),
		Value:             rule.Value,
		CreatedBy:         rule.CreatedBy,
		CreatedAt:         rule.CreatedAtSeconds,
		SourceFingerprint: rule.SourceFingerprint,
	}
}

func (h *httpHandler) handleAddRule(c *gin.Context) {
	claims := h.sessionClaims(c)

	var request addRulePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	patternType, err := allowlist.ParsePatternType(request.PatternType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pattern"})
		return
	}

	rule, err := h.rules.AddRule(c.Request.Context(), allowlist.AddRuleInput{
		PatternType:       patternType,
		Value:             request.Value,
		CreatedBy:         claims.Subject,
		SourceFingerprint: request.SourceFingerprint,
	})
	if err != nil {
		h.respondError(c, "add rule failed", err)
		return
	}

	c.JSON(http.StatusCreated, ruleToPayload(rule))
}

func (h *httpHandler) handleListRules(c *gin.Context) {
	rules, err := h.rules.ListRules(c.Request.Context())
	if err != nil {
		h.respondError(c, "list rules failed", err)
		return
	}

	payload := make([]rulePayload, 0, len(rules))
	for _, rule := range rules {
		payload = append(payload, ruleToPayload(rule))
	}
	c.JSON(http.StatusOK, gin.H{"rules": payload})
}

func (h *httpHandler) handleRemoveRule(c *gin.Context) {
	removed, err := h.rules.RemoveRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "remove rule failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type visibilityPayload struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

func (h *httpHandler) handleGetVisibility(c *gin.Context) {
	claims := h.sessionClaims(c)
	userID := h.targetUserID(c, claims, c.Query("user_id"))
	if userID == "" {
		return
	}

	enabled, err := h.visibility.Enabled(c.Request.Context(), userID, h.settings.UserDefault)
	if err != nil {
		h.respondError(c, "get visibility failed", err)
		return
	}
	c.JSON(http.StatusOK, visibilityPayload{UserID: userID, Enabled: enabled})
}

type setVisibilityPayload struct {
	Enabled *bool  `json:"enabled" binding:"required"`
	UserID  string `json:"user_id"`
}

func (h *httpHandler) handleSetVisibility(c *gin.Context) {
	claims := h.sessionClaims(c)

	var request setVisibilityPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := h.targetUserID(c, claims, request.UserID)
	if userID == "" {
		return
	}

	if err := h.visibility.SetState(c.Request.Context(), userID, *request.Enabled); err != nil {
		h.respondError(c, "set visibility failed", err)
		return
	}
	c.JSON(http.StatusOK, visibilityPayload{UserID: userID, Enabled: *request.Enabled})
}

// targetUserID resolves which user a visibility call concerns. Users act
// on themselves; acting on someone else requires the admin role. An empty
// return means a response was already written.
func (h *httpHandler) targetUserID(c *gin.Context, claims auth.SessionClaims, requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == claims.Subject {
		return claims.Subject
	}
	if !claims.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return ""
	}
	return requested
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.sessions.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	claims := h.sessionClaims(c)
	if !claims.IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) limitCaptures(c *gin.Context) {
	if h.captureLimiter != nil && !h.captureLimiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}

func (h *httpHandler) sessionClaims(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, ok := value.(auth.SessionClaims)
	if !ok {
		return auth.SessionClaims{}
	}
	return claims
}

// respondError maps core error kinds onto the response envelope.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, allowlist.ErrInvalidPattern):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pattern"})
	case errors.Is(err, allowlist.ErrDuplicateRule):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_rule"})
	case errors.Is(err, notices.ErrInvalidNotice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notice"})
	case errors.Is(err, visibility.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
	case errors.Is(err, storage.ErrUnavailable):
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
