package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"supporter-rewards/pkg/auth"
	"supporter-rewards/pkg/errutil"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/drift"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/reward"
	"supporter-rewards/services/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	rewards    *reward.Service
	mappings   *mapping.Service
	audit      *audit.Service
	identities *provider.IdentityStore
	drift      *drift.Service
	webhooks   *webhook.Service
	tokens     *auth.Manager
}

type Params struct {
	fx.In
	Rewards    *reward.Service
	Mappings   *mapping.Service
	Audit      *audit.Service
	Identities *provider.IdentityStore
	Drift      *drift.Service
	Webhooks   *webhook.Service
	Tokens     *auth.Manager
}

func NewHandler(p Params) *Handler {
	return &Handler{
		rewards:    p.Rewards,
		mappings:   p.Mappings,
		audit:      p.Audit,
		identities: p.Identities,
		drift:      p.Drift,
		webhooks:   p.Webhooks,
		tokens:     p.Tokens,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/admin", auth.RequireRole(h.tokens, auth.RoleAdmin))

	g.GET("/modules", h.listModules)
	g.GET("/rewards", h.listRewards)
	g.POST("/rewards", h.createReward)
	g.GET("/rewards/:id", h.getReward)
	g.PUT("/rewards/:id", h.updateReward)
	g.DELETE("/rewards/:id", h.deactivateReward)

	g.GET("/mappings", h.listMappings)
	g.POST("/mappings", h.createMapping)
	g.POST("/mappings/reconcile", h.reconcileAll)
	g.GET("/mappings/:id", h.getMapping)
	g.PUT("/mappings/:id", h.updateMapping)
	g.DELETE("/mappings/:id", h.deactivateMapping)
	g.GET("/mappings/:id/reconcile/preview", h.previewMapping)

	g.GET("/users/:id/rewards", h.listUserRewards)
	g.POST("/users/:id/rewards", h.assignManual)
	g.POST("/users/:id/reconcile", h.reconcileUser)
	g.GET("/users/:id/identities", h.listIdentities)
	g.GET("/assignments/:id", h.getAssignment)
	g.DELETE("/assignments/:id", h.revokeAssignment)

	g.POST("/identities", h.linkIdentity)
	g.DELETE("/identities/:provider/:ref", h.unlinkIdentity)

	g.POST("/drift/:provider", h.runDrift)
	g.GET("/audit", h.listAudit)
	g.GET("/webhooks", h.listDeliveries)
	g.POST("/webhooks/:id/replay", h.replayDelivery)
}

func actor(c *gin.Context) string {
	return auth.Actor(c.Request.Context())
}

func queryBool(c *gin.Context, key string, fallback bool) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errutil.BadRequest("invalid query parameter", nil, errutil.WithDetail(key, "must be a boolean"))
	}
	return v, nil
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return false
	}
	return true
}

// =========================================================
// Rewards
// =========================================================

type moduleView struct {
	ID         string                       `json:"id"`
	Parameters []reward.ParameterDefinition `json:"parameters"`
}

func (h *Handler) listModules(c *gin.Context) {
	mods := h.rewards.Modules()
	out := make([]moduleView, 0, len(mods))
	for _, m := range mods {
		out = append(out, moduleView{ID: m.ID(), Parameters: m.ParameterDefinitions()})
	}
	c.JSON(http.StatusOK, gin.H{"modules": out})
}

func (h *Handler) listRewards(c *gin.Context) {
	activeOnly, err := queryBool(c, "active", false)
	if err != nil {
		_ = c.Error(err)
		return
	}
	rows, err := h.rewards.ListRewards(c.Request.Context(), activeOnly)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": rows})
}

func (h *Handler) createReward(c *gin.Context) {
	var in reward.RewardInput
	if !bind(c, &in) {
		return
	}
	rw, err := h.rewards.CreateReward(c.Request.Context(), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, rw)
}

func (h *Handler) getReward(c *gin.Context) {
	rw, err := h.rewards.GetReward(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rw)
}

type updateRewardRequest struct {
	Version int64 `json:"version"`
	reward.RewardInput
}

func (h *Handler) updateReward(c *gin.Context) {
	var req updateRewardRequest
	if !bind(c, &req) {
		return
	}
	rw, err := h.rewards.UpdateReward(c.Request.Context(), c.Param("id"), req.Version, req.RewardInput, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rw)
}

func (h *Handler) deactivateReward(c *gin.Context) {
	rw, err := h.rewards.DeactivateReward(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rw)
}

// =========================================================
// Product mappings
// =========================================================

func (h *Handler) listMappings(c *gin.Context) {
	activeOnly, err := queryBool(c, "active", false)
	if err != nil {
		_ = c.Error(err)
		return
	}
	rows, err := h.mappings.Catalog().ListMappings(c.Request.Context(), activeOnly)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": rows})
}

func (h *Handler) createMapping(c *gin.Context) {
	var in mapping.MappingInput
	if !bind(c, &in) {
		return
	}
	m, err := h.mappings.CreateMapping(c.Request.Context(), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) getMapping(c *gin.Context) {
	m, err := h.mappings.Catalog().GetMapping(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type updateMappingRequest struct {
	Version int64 `json:"version"`
	mapping.MappingInput
}

type mappingChange struct {
	Mapping        *mapping.ProductMapping                     `json:"mapping"`
	Reconciliation *mapping.ProductMappingReconciliationResult `json:"reconciliation,omitempty"`
}

// updateMapping saves the edit and then reconciles every associated user
// unless reconcile=false.
func (h *Handler) updateMapping(c *gin.Context) {
	reconcile, err := queryBool(c, "reconcile", true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req updateMappingRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	old, updated, err := h.mappings.UpdateMapping(ctx, c.Param("id"), req.Version, req.MappingInput, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	out := mappingChange{Mapping: updated}
	if reconcile {
		res, err := h.mappings.ReconcileProductMapping(ctx, updated.ID, old, updated, false)
		if err != nil {
			_ = c.Error(err)
			return
		}
		out.Reconciliation = res
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) deactivateMapping(c *gin.Context) {
	ctx := c.Request.Context()
	old, updated, err := h.mappings.DeactivateMapping(ctx, c.Param("id"), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	res, err := h.mappings.ReconcileProductMapping(ctx, updated.ID, old, updated, false)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, mappingChange{Mapping: updated, Reconciliation: res})
}

func (h *Handler) previewMapping(c *gin.Context) {
	res, err := h.mappings.PreviewReconciliation(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) reconcileAll(c *gin.Context) {
	dryRun, err := queryBool(c, "dryRun", true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	res, err := h.mappings.ReconcileAllMappings(c.Request.Context(), dryRun)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// =========================================================
// Users and assignments
// =========================================================

func (h *Handler) listUserRewards(c *gin.Context) {
	rows, err := h.rewards.ListUserAssignments(c.Request.Context(), c.Param("id"), reward.AssignmentStatus(c.Query("status")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": rows})
}

type assignRequest struct {
	RewardID string `json:"reward_id" binding:"required"`
	Reason   string `json:"reason"`
}

func (h *Handler) assignManual(c *gin.Context) {
	var req assignRequest
	if !bind(c, &req) {
		return
	}
	asg, err := h.rewards.AssignManual(c.Request.Context(), c.Param("id"), req.RewardID, actor(c), req.Reason)
	if err != nil && asg == nil {
		_ = c.Error(err)
		return
	}
	status := http.StatusCreated
	if err != nil {
		// the failed row is on the ledger
		status = errutil.StatusOf(err).HTTPStatus()
	}
	c.JSON(status, asg)
}

func (h *Handler) getAssignment(c *gin.Context) {
	asg, err := h.rewards.GetAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, asg)
}

func (h *Handler) revokeAssignment(c *gin.Context) {
	asg, err := h.rewards.RevokeReward(c.Request.Context(), c.Param("id"), strings.TrimSpace(c.Query("reason")), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, asg)
}

func (h *Handler) reconcileUser(c *gin.Context) {
	dryRun, err := queryBool(c, "dryRun", false)
	if err != nil {
		_ = c.Error(err)
		return
	}
	res, err := h.mappings.ReconcileUserAssociations(c.Request.Context(), c.Param("id"), "admin", dryRun)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// =========================================================
// Identities
// =========================================================

type linkRequest struct {
	ProviderID      string `json:"provider_id"`
	ExternalUserRef string `json:"external_user_ref"`
	UserID          string `json:"user_id"`
}

func (h *Handler) linkIdentity(c *gin.Context) {
	var req linkRequest
	if !bind(c, &req) {
		return
	}
	row, err := h.identities.Link(c.Request.Context(), req.ProviderID, req.ExternalUserRef, req.UserID, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handler) unlinkIdentity(c *gin.Context) {
	if err := h.identities.Unlink(c.Request.Context(), c.Param("provider"), c.Param("ref"), actor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listIdentities(c *gin.Context) {
	rows, err := h.identities.ListForUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identities": rows})
}

// =========================================================
// Drift, audit, webhooks
// =========================================================

type driftResponse struct {
	Drift *drift.DriftResult `json:"drift"`
	Sync  *drift.SyncResult  `json:"sync,omitempty"`
}

// runDrift detects drift for a provider; sync=true also applies the
// corrections, as a dry run unless dryRun=false.
func (h *Handler) runDrift(c *gin.Context) {
	sync, err := queryBool(c, "sync", false)
	if err != nil {
		_ = c.Error(err)
		return
	}
	dryRun, err := queryBool(c, "dryRun", true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ctx := c.Request.Context()
	res, err := h.drift.DetectDrift(ctx, c.Param("provider"))
	if err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			err = errutil.NotFound("no membership source for provider", nil, errutil.WithDetail("provider", c.Param("provider")))
		}
		_ = c.Error(err)
		return
	}
	out := driftResponse{Drift: res}
	if sync {
		out.Sync = h.drift.SyncDrift(ctx, res, dryRun)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) listAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, page, err := h.audit.List(c.Request.Context(), audit.Filter{
		ActorID:        c.Query("actor_id"),
		Category:       audit.Category(c.Query("category")),
		EntityType:     c.Query("entity_type"),
		EntityID:       c.Query("entity_id"),
		AffectedUserID: c.Query("user_id"),
		Cursor:         c.Query("cursor"),
		Limit:          limit,
	})
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid audit query", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "page_info": page})
}

func (h *Handler) listDeliveries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, page, err := h.webhooks.ListDeliveries(c.Request.Context(), webhook.Filter{
		ProviderID: c.Query("provider_id"),
		Status:     webhook.DeliveryStatus(c.Query("status")),
		UserID:     c.Query("user_id"),
		Cursor:     c.Query("cursor"),
		Limit:      limit,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": rows, "page_info": page})
}

func (h *Handler) replayDelivery(c *gin.Context) {
	out, err := h.webhooks.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}
