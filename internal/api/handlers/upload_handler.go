package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andresuchdata/spoolrelay/internal/api/middleware"
	"github.com/andresuchdata/spoolrelay/internal/apperr"
	"github.com/andresuchdata/spoolrelay/internal/domain"
)

// Relayer relays the file carried by an upload request.
type Relayer interface {
	RelayRequest(ctx context.Context, requestID string, r *http.Request) (*domain.TransferRecord, error)
}

type UploadHandler struct {
	relay Relayer
}

func NewUploadHandler(relay Relayer) *UploadHandler {
	return &UploadHandler{relay: relay}
}

// Upload handles POST /upload
func (h *UploadHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.relay.RelayRequest(ctx, c.GetString(middleware.RequestIDKey), c.Request); err != nil {
		c.String(apperr.StatusOf(err), err.Error())
		return
	}
	c.String(http.StatusCreated, "OK")
}

// Health handles GET /health
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
