package calls

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikahlink/backend/internal/middleware"
	"github.com/nikahlink/backend/pkg/response"
)

// Handler serves the REST surface for call sessions (history, detail, quality).
// Lifecycle transitions go through the WebSocket gateway, not here.
type Handler struct {
	service *Service
	store   Store
	logger  *zap.Logger
}

// NewHandler creates a calls handler.
func NewHandler(service *Service, store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, store: store, logger: logger}
}

// List handles GET /calls. Returns the authenticated user's persisted call history.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.store.ListByParticipant(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list calls failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to list calls")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /calls/:id. Participants only.
func (h *Handler) GetByID(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid call id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	s, err := h.service.Get(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			response.NotFound(c, "call not found")
			return
		}
		h.logger.Error("get call failed", zap.Error(err), zap.String("call_id", callID.String()))
		response.Internal(c, "failed to load call")
		return
	}
	if !s.HasParticipant(userID) {
		response.Forbidden(c, "not a participant of this call")
		return
	}
	response.OK(c, s)
}

// QualityRequest is the body for PATCH /calls/:id/quality.
type QualityRequest struct {
	Quality Quality `json:"quality" binding:"required"`
}

// SetQuality handles PATCH /calls/:id/quality. Post-hoc signal-quality hint by
// either participant.
func (h *Handler) SetQuality(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid call id")
		return
	}
	var body QualityRequest
	if err := c.ShouldBindJSON(&body); err != nil || !ValidQuality(body.Quality) {
		response.BadRequest(c, "quality must be good, fair or poor")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	s, err := h.service.Get(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			response.NotFound(c, "call not found")
			return
		}
		response.Internal(c, "failed to load call")
		return
	}
	if !s.HasParticipant(userID) {
		response.Forbidden(c, "not a participant of this call")
		return
	}
	if err := h.service.SetQuality(c.Request.Context(), callID, body.Quality); err != nil {
		h.logger.Error("set quality failed", zap.Error(err), zap.String("call_id", callID.String()))
		response.Internal(c, "failed to update quality")
		return
	}
	response.OK(c, gin.H{"call_id": callID, "quality": body.Quality})
}
