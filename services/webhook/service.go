package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"supporter-rewards/pkg/db/pagination"
	"supporter-rewards/pkg/errutil"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/reward"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	tracer = otel.Tracer("supporter-rewards/services/webhook")

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_webhook_deliveries_total",
		Help: "Webhook deliveries per provider and final status.",
	}, []string{"provider", "status"})
)

func init() {
	prometheus.MustRegister(deliveries)
}

// headers never persisted with a delivery
var sensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
}

type Engine interface {
	ProcessRewardEvent(ctx context.Context, ev reward.RewardEvent) (*reward.ProcessResult, error)
}

type Associations interface {
	UserAssociations(ctx context.Context, userID string, activeOnly bool) ([]*mapping.ProductMappingUserAssociation, error)
}

type Reconciler interface {
	ReconcileUserAssociations(ctx context.Context, userID, eventIDPrefix string, dryRun bool) (*mapping.UserReconciliationResult, error)
}

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	providers    *provider.Registry
	engine       Engine
	associations Associations
	reconciler   Reconciler
	clock        func() time.Time
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Providers    *provider.Registry
	Engine       Engine
	Associations Associations
	Reconciler   Reconciler
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		providers:    p.Providers,
		engine:       p.Engine,
		associations: p.Associations,
		reconciler:   p.Reconciler,
		clock:        time.Now,
	}
}

// Ingest authenticates, stores and processes one webhook body. A bad
// signature is rejected before the body is parsed.
func (s *Service) Ingest(ctx context.Context, providerID string, body []byte, headers http.Header) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "webhook.Ingest", trace.WithAttributes(attribute.String("provider.id", providerID)))
	defer span.End()

	adapter, err := s.providers.Get(providerID)
	if err != nil {
		return nil, errutil.NotFound("unknown provider", nil, errutil.WithDetail("provider", providerID))
	}

	var signature string
	if h := adapter.SignatureHeader(); h != "" {
		signature = headers.Get(h)
	}
	if !adapter.ValidateSignature(body, signature, headers) {
		deliveries.WithLabelValues(providerID, "unauthorized").Inc()
		zap.L().Warn("rejected webhook with invalid signature", zap.String("provider", providerID))
		return nil, errutil.Unauthorized("invalid webhook signature", nil)
	}

	d := &WebhookDelivery{
		ID:         s.node.Generate().String(),
		ProviderID: providerID,
		Status:     StatusReceived,
		Payload:    body,
		Headers:    storedHeaders(headers, adapter.SignatureHeader()),
		ReceivedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return nil, errutil.Internal("failed to store webhook delivery", err)
	}
	return s.process(ctx, adapter, d, headers)
}

// Replay runs a stored delivery again, typically after the supporter's
// account was linked.
func (s *Service) Replay(ctx context.Context, deliveryID string) (*Outcome, error) {
	d, err := s.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Replayable() {
		return nil, errutil.Conflict("delivery cannot be replayed", nil,
			errutil.WithDetail("status", string(d.Status)))
	}
	adapter, err := s.providers.Get(d.ProviderID)
	if err != nil {
		return nil, errutil.NotFound("unknown provider", nil, errutil.WithDetail("provider", d.ProviderID))
	}
	headers := http.Header{}
	for k, v := range d.Headers {
		if str, ok := v.(string); ok {
			headers.Set(k, str)
		}
	}
	return s.process(ctx, adapter, d, headers)
}

func (s *Service) process(ctx context.Context, adapter provider.Adapter, d *WebhookDelivery, headers http.Header) (*Outcome, error) {
	out := &Outcome{DeliveryID: d.ID, HTTPStatus: http.StatusOK}
	d.Attempts++

	ev, err := adapter.ParseEvent(ctx, d.Payload, headers)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrUserNotLinked):
		out.HTTPStatus = http.StatusAccepted
		return s.finish(ctx, d, out, StatusUnlinked, err, nil)
	case errors.Is(err, provider.ErrIgnoredEvent):
		return s.finish(ctx, d, out, StatusIgnored, nil, nil)
	case errors.Is(err, provider.ErrInvalidPayload):
		return s.finish(ctx, d, out, StatusInvalid, err,
			errutil.ValidationFailed("invalid webhook payload", err))
	default:
		return s.finish(ctx, d, out, StatusFailed, err,
			errutil.WebhookProcessingFailed("failed to parse webhook", err))
	}

	d.EventID, d.EventType, d.UserID = ev.EventID, string(ev.EventType), ev.UserID
	out.EventID = ev.EventID

	if len(ev.EntitledTierIDs) == 0 && !ev.EventType.Grants() {
		tiers, err := s.knownTiers(ctx, ev)
		if err != nil {
			return s.finish(ctx, d, out, StatusFailed, err,
				errutil.Internal("failed to load memberships", err))
		}
		if len(tiers) == 0 {
			// nothing was ever granted through this membership
			return s.finish(ctx, d, out, StatusIgnored, nil, nil)
		}
		ev.EntitledTierIDs = tiers
	}

	res, err := s.engine.ProcessRewardEvent(ctx, ev)
	if res != nil {
		out.Granted, out.Revoked, out.Failures = len(res.Assignments), len(res.Revoked), res.Failures
	}
	switch {
	case err == nil:
	case errutil.Is(err, errutil.StatusRewardAssignmentFailed):
		// failed assignments are on the ledger; redelivery would not help
		return s.finish(ctx, d, out, StatusProcessed, err, nil)
	case errutil.Is(err, errutil.StatusValidationFailed):
		return s.finish(ctx, d, out, StatusInvalid, err, err)
	default:
		return s.finish(ctx, d, out, StatusFailed, err, err)
	}

	if res.Duplicate {
		return s.finish(ctx, d, out, StatusDuplicate, nil, nil)
	}

	if ev.EventType == reward.EventSubscriptionCreated || ev.EventType == reward.EventSubscriptionRenewed {
		// a tier change leaves rewards of the previous tier behind
		rec, err := s.reconciler.ReconcileUserAssociations(ctx, ev.UserID, "webhook:"+ev.EventID, false)
		switch {
		case err != nil:
			zap.L().Warn("post-event reconciliation failed", zap.String("event_id", ev.EventID), zap.Error(err))
		case !rec.Success:
			zap.L().Warn("post-event reconciliation incomplete", zap.String("event_id", ev.EventID), zap.Strings("errors", rec.Errors))
		default:
			for _, a := range rec.Actions {
				if a.Kind == mapping.ActionRemoved {
					out.Revoked++
				} else {
					out.Granted++
				}
			}
		}
	}
	return s.finish(ctx, d, out, StatusProcessed, nil, nil)
}

// knownTiers returns the product ids recorded for the event's membership.
// Cancellations and expirations often arrive without tiers.
func (s *Service) knownTiers(ctx context.Context, ev reward.RewardEvent) ([]string, error) {
	assocs, err := s.associations.UserAssociations(ctx, ev.UserID, false)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var tiers []string
	for _, a := range assocs {
		if a.ProviderID != ev.ProviderID || a.ProviderReference != ev.ProviderReference || seen[a.ProviderProductID] {
			continue
		}
		seen[a.ProviderProductID] = true
		tiers = append(tiers, a.ProviderProductID)
	}
	return tiers, nil
}

// finish persists the delivery's final state. cause is recorded on the
// delivery; ret is what the caller sees.
func (s *Service) finish(ctx context.Context, d *WebhookDelivery, out *Outcome, status DeliveryStatus, cause, ret error) (*Outcome, error) {
	now := s.clock().UTC()
	d.Status = status
	d.ProcessedAt = &now
	d.Error = ""
	if cause != nil {
		d.Error = cause.Error()
	}
	out.Status = status

	if err := s.db.WithContext(ctx).Model(&WebhookDelivery{ID: d.ID}).Updates(map[string]any{
		"event_id":     d.EventID,
		"event_type":   d.EventType,
		"user_id":      d.UserID,
		"status":       d.Status,
		"error":        d.Error,
		"attempts":     d.Attempts,
		"processed_at": d.ProcessedAt,
	}).Error; err != nil {
		zap.L().Error("failed to update webhook delivery", zap.String("delivery_id", d.ID), zap.Error(err))
	}

	deliveries.WithLabelValues(d.ProviderID, string(status)).Inc()
	fields := []zap.Field{
		zap.String("provider", d.ProviderID),
		zap.String("delivery_id", d.ID),
		zap.String("event_id", d.EventID),
		zap.String("status", string(status)),
	}
	if cause != nil {
		zap.L().Warn("webhook delivery not applied", append(fields, zap.Error(cause))...)
	} else {
		zap.L().Info("webhook delivery handled", fields...)
	}
	return out, ret
}

func (s *Service) GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error) {
	var d WebhookDelivery
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("webhook delivery not found", nil, errutil.WithDetail("delivery_id", id))
		}
		return nil, errutil.Internal("failed to load webhook delivery", err)
	}
	return &d, nil
}

func (s *Service) ListDeliveries(ctx context.Context, f Filter) ([]*WebhookDelivery, *pagination.PageInfo, error) {
	limit := pagination.Limit(f.Limit)
	q := s.db.WithContext(ctx).Model(&WebhookDelivery{}).Where(&WebhookDelivery{
		ProviderID: f.ProviderID,
		Status:     f.Status,
		UserID:     f.UserID,
	})
	if f.Cursor != "" {
		at, id, err := pagination.DecodeTimeCursor(f.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		q = q.Where("received_at < ? OR (received_at = ? AND id < ?)", at, at, id)
	}

	var rows []*WebhookDelivery
	if err := q.Order("received_at DESC").Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, errutil.Internal("failed to list webhook deliveries", err)
	}
	page := pagination.BuildCursorPageInfo(rows, limit, func(d *WebhookDelivery) string {
		return pagination.TimeCursor(d.ReceivedAt, d.ID)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, page, nil
}

func storedHeaders(h http.Header, signatureHeader string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k := range h {
		if sensitiveHeaders[k] || (signatureHeader != "" && http.CanonicalHeaderKey(signatureHeader) == k) {
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}
