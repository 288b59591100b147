package recordings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikahlink/backend/internal/calls"
	"github.com/nikahlink/backend/internal/middleware"
	"github.com/nikahlink/backend/pkg/response"
)

// Presigner issues time-limited download URLs (optional; nil disables the
// presign endpoint).
type Presigner interface {
	PresignDownload(ctx context.Context, key string) (url string, expiresIn time.Duration, err error)
}

// Handler serves the recording HTTP surface: upload, ranged playback, listing
// and presigned downloads.
type Handler struct {
	service   *Service
	calls     *calls.Service
	presigner Presigner
	logger    *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(service *Service, callSvc *calls.Service, presigner Presigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, calls: callSvc, presigner: presigner, logger: logger}
}

// Upload handles POST /recordings/:callId. The body is the media payload;
// Content-Type is required. Participants only.
func (h *Handler) Upload(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("callId"))
	if err != nil {
		response.BadRequest(c, "invalid call id")
		return
	}
	contentType := c.ContentType()
	if contentType == "" {
		response.BadRequest(c, "Content-Type required")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	s, err := h.calls.Get(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, calls.ErrSessionNotFound) {
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

	asset, err := h.service.Ingest(c.Request.Context(), callID, c.Request.Body, contentType, c.Request.ContentLength)
	if err != nil {
		switch {
		case errors.Is(err, calls.ErrSessionNotEligible):
			response.Conflict(c, "call has not been answered yet")
		case errors.Is(err, ErrUnsupportedMediaType):
			response.UnsupportedMediaType(c, "payload is not a recognized video container")
		case errors.Is(err, ErrPayloadTooLarge):
			response.PayloadTooLarge(c, "recording exceeds upload limit")
		default:
			h.logger.Error("recording ingest failed", zap.Error(err), zap.String("call_id", callID.String()))
			response.Internal(c, "failed to store recording")
		}
		return
	}
	response.Created(c, asset)
}

// Serve handles GET /recordings/*key, honoring a single Range header with
// partial-content semantics so guardians can scrub playback without a full
// download.
func (h *Handler) Serve(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		response.BadRequest(c, "storage key required")
		return
	}

	res, err := h.service.Retrieve(c.Request.Context(), key, c.GetHeader("Range"))
	if err != nil {
		if errors.Is(err, ErrRangeNotSatisfiable) {
			response.RangeNotSatisfiable(c, res.Total)
			return
		}
		h.logger.Warn("recording retrieve failed", zap.Error(err), zap.String("key", key))
		response.NotFound(c, "recording not found")
		return
	}
	defer res.Body.Close()

	c.Header("Accept-Ranges", "bytes")
	status := 200
	if res.Partial {
		status = 206
		c.Header("Content-Range", res.Range.ContentRange())
	}
	c.DataFromReader(status, res.Length, res.ContentType, res.Body, nil)
}

// ListByCall handles GET /calls/:id/recordings. Participants only.
func (h *Handler) ListByCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid call id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	s, err := h.calls.Get(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, calls.ErrSessionNotFound) {
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

	list, err := h.service.ListByCall(c.Request.Context(), callID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("call_id", callID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// DownloadURL handles GET /recordings-url/*key. Returns a presigned URL for
// time-limited playback outside the API (e.g. a guardian's mail client).
func (h *Handler) DownloadURL(c *gin.Context) {
	if h.presigner == nil {
		response.ServiceUnavailable(c, "presigned downloads not configured")
		return
	}
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		response.BadRequest(c, "storage key required")
		return
	}
	url, expiresIn, err := h.presigner.PresignDownload(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("presign download failed", zap.Error(err), zap.String("key", key))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expiresIn.Seconds())})
}
