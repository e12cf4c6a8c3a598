package webhook

import (
	"io"
	"net/http"

	"supporter-rewards/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/:provider", h.Receive)
}

// Receive answers 2xx for every authenticated delivery that was handled,
// including ones that changed nothing, so providers stop redelivering.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		_ = c.Error(errutil.BadRequest("unreadable request body", err))
		return
	}
	out, err := h.svc.Ingest(c.Request.Context(), c.Param("provider"), body, c.Request.Header)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(out.HTTPStatus, out)
}
