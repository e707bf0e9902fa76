// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// SessionRegistry is the live session set.
type SessionRegistry interface {
	Snapshot() []model.SessionInfo
	Destroy(ctx context.Context, id string) error
}

// SessionLedger is the persisted session history.
type SessionLedger interface {
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	List(ctx context.Context, limit int) ([]*model.SessionRecord, error)
}

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	registry SessionRegistry
	ledger   SessionLedger
	log      *logging.Logger
}

// NewSessionHandler creates a new SessionHandler. ledger may be nil.
func NewSessionHandler(registry SessionRegistry, ledger SessionLedger, log *logging.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		ledger:   ledger,
		log:      log.Named("api"),
	}
}

// SessionResponse represents a live session in API responses.
type SessionResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
	PID        int    `json:"pid,omitempty"`
	Age        string `json:"age"`
	CreatedAt  string `json:"createdAt"`
	DetachedAt string `json:"detachedAt,omitempty"`
}

// ListResponse is the body of GET /api/sessions.
type ListResponse struct {
	Sessions []*SessionResponse     `json:"sessions"`
	History  []*model.SessionRecord `json:"history"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a model.SessionInfo to SessionResponse.
func toSessionResponse(s model.SessionInfo, now time.Time) *SessionResponse {
	resp := &SessionResponse{
		ID:        s.ID,
		State:     string(s.State),
		Cols:      s.Cols,
		Rows:      s.Rows,
		PID:       s.PID,
		Age:       formatDuration(now.Sub(s.CreatedAt)),
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
	if s.DetachedAt != nil {
		resp.DetachedAt = s.DetachedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - live sessions plus recent ledger history.
func (h *SessionHandler) List(c *gin.Context) {
	now := time.Now()
	live := h.registry.Snapshot()
	resp := ListResponse{
		Sessions: make([]*SessionResponse, 0, len(live)),
		History:  []*model.SessionRecord{},
	}
	for _, s := range live {
		resp.Sessions = append(resp.Sessions, toSessionResponse(s, now))
	}

	if h.ledger != nil {
		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxHistoryLimit {
				sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
				return
			}
			limit = n
		}

		history, err := h.ledger.List(c.Request.Context(), limit)
		if err != nil {
			h.log.Error("failed to list session history", zap.Error(err))
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions")
			return
		}
		if history != nil {
			resp.History = history
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Get handles GET /api/sessions/:id - a live session, or its ledger record
// once it has ended.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	for _, s := range h.registry.Snapshot() {
		if s.ID == sessionID {
			c.JSON(http.StatusOK, toSessionResponse(s, time.Now()))
			return
		}
	}

	if h.ledger != nil {
		rec, err := h.ledger.Get(c.Request.Context(), sessionID)
		if err == nil {
			c.JSON(http.StatusOK, rec)
			return
		}
		if !errors.Is(err, model.ErrSessionNotFound) {
			h.log.Error("failed to get session record", zap.String("session_id", sessionID), zap.Error(err))
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session")
			return
		}
	}

	sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
}

// Delete handles DELETE /api/sessions/:id - ends a session and its shell.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.registry.Destroy(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidSessionID):
			sendError(c, http.StatusBadRequest, "INVALID_SESSION_ID", "Invalid session id "+sessionID)
			return
		case errors.Is(err, model.ErrSessionNotFound):
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		h.log.Error("failed to destroy session", zap.String("session_id", sessionID), zap.Error(err))
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete session")
		return
	}

	h.log.Info("session destroyed via API", zap.String("session_id", sessionID))
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
	}
}
