package admin

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("admin.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
