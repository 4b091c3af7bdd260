package sessions

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/shared/server/middleware"
	"speechcoach-backend/internal/shared/server/respond"
)

const maxUploadSize = 200 << 20 // 200MB

// Handler wires HTTP handlers to the sessions service.
type Handler struct {
	Svc         *Service
	pollLimiter *pollLimiter
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc, pollLimiter: newPollLimiter(pollLimitWindow, nil)}
}

// RegisterRoutes attaches session routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.create)
	rg.POST("/sessions/:id/process", h.process)
	rg.GET("/sessions/:id/status", h.status)
	rg.GET("/sessions/:id", h.get)
}

func (h *Handler) create(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	target := 0
	if raw := strings.TrimSpace(c.PostForm("targetDurationSec")); raw != "" {
		target, err = strconv.Atoi(raw)
		if err != nil || target < 0 {
			respond.Error(c, http.StatusBadRequest, "validation_error", "targetDurationSec must be a positive integer", nil)
			return
		}
	}

	ctx := WithRequestID(c.Request.Context(), c.GetString("requestId"))
	session, err := h.Svc.Create(ctx, CreateInput{
		OwnerID:           ownerID,
		Title:             c.PostForm("title"),
		Language:          c.PostForm("language"),
		MediaKind:         c.PostForm("mediaKind"),
		TargetDurationSec: target,
		Trial:             middleware.IsGuest(c),
		FileName:          fileHeader.Filename,
		Body:              file,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to store recording", nil)
		return
	}
	c.Set("sessionId", session.ID)

	resp := gin.H{
		"sessionId":       session.ID,
		"kind":            session.Kind,
		"processingState": session.State,
	}
	if session.ExpiresAt != nil {
		resp["expiresAt"] = session.ExpiresAt
	}
	if !strings.EqualFold(c.PostForm("autoProcess"), "false") {
		job, err := h.Svc.Enqueue(ctx, session.ID, queue.ProcessOptions{})
		if err != nil {
			h.writeServiceError(c, err, "failed to start processing")
			return
		}
		resp["requestId"] = job.RequestID
		resp["processingState"] = StatePending
	}
	respond.JSON(c, http.StatusCreated, resp)
}

type processRequest struct {
	SkipAI         bool   `json:"skipAi"`
	SkipEmbeddings bool   `json:"skipEmbeddings"`
	Language       string `json:"language"`
}

func (h *Handler) process(c *gin.Context) {
	sessionID := c.Param("id")
	c.Set("sessionId", sessionID)
	session, ok := h.ownedSession(c, sessionID)
	if !ok {
		return
	}

	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	ctx := WithRequestID(c.Request.Context(), c.GetString("requestId"))
	job, err := h.Svc.Enqueue(ctx, sessionID, queue.ProcessOptions{
		SkipAI:         req.SkipAI,
		SkipEmbeddings: req.SkipEmbeddings,
		Language:       req.Language,
	})
	if err != nil {
		h.writeServiceError(c, err, "failed to start processing")
		return
	}
	c.Set("statusTransition", string(session.State)+"->"+string(StatePending))
	respond.Accepted(c, job)
}

func (h *Handler) status(c *gin.Context) {
	sessionID := c.Param("id")
	c.Set("sessionId", sessionID)
	ownerID := middleware.OwnerIDFromContext(c)
	if !h.pollLimiter.Allow(ownerID, sessionID) {
		retryAfter := h.pollLimiter.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		respond.Error(c, http.StatusTooManyRequests, "rate_limited", "Polling too frequently.", gin.H{"retryAfterMs": retryAfter * 1000})
		return
	}
	if _, ok := h.ownedSession(c, sessionID); !ok {
		return
	}
	view, err := h.Svc.Status(c.Request.Context(), sessionID)
	if err != nil {
		h.writeServiceError(c, err, "failed to fetch status")
		return
	}
	respond.OK(c, view)
}

func (h *Handler) get(c *gin.Context) {
	sessionID := c.Param("id")
	c.Set("sessionId", sessionID)
	if _, ok := h.ownedSession(c, sessionID); !ok {
		return
	}
	session, issues, err := h.Svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.writeServiceError(c, err, "failed to fetch session")
		return
	}
	if issues == nil {
		issues = []Issue{}
	}
	respond.OK(c, gin.H{
		"session": session,
		"issues":  issues,
	})
}

// ownedSession loads the session and hides sessions owned by someone else.
func (h *Handler) ownedSession(c *gin.Context, sessionID string) (Session, bool) {
	if strings.TrimSpace(sessionID) == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "session id is required", nil)
		return Session{}, false
	}
	session, err := h.Svc.Repo.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		h.writeServiceError(c, err, "failed to fetch session")
		return Session{}, false
	}
	if session.OwnerID != middleware.OwnerIDFromContext(c) {
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		return Session{}, false
	}
	return session, true
}

func (h *Handler) writeServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
	case errors.Is(err, ErrExpired):
		respond.Error(c, http.StatusGone, "expired", "This trial session has expired.", nil)
	case errors.Is(err, ErrAlreadyProcessing):
		respond.Error(c, http.StatusConflict, "already_processing", "This session is already being processed.", nil)
	case errors.Is(err, ErrNoMedia):
		respond.Error(c, http.StatusConflict, "no_media", "The recording for this session is no longer available.", nil)
	case errors.Is(err, ErrJobQueueNotConfigured):
		respond.Error(c, http.StatusServiceUnavailable, "queue_unavailable", "Processing is temporarily unavailable.", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}
