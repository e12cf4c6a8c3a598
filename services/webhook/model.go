package webhook

import (
	"time"

	"gorm.io/datatypes"
)

type DeliveryStatus string

const (
	StatusReceived  DeliveryStatus = "received"
	StatusProcessed DeliveryStatus = "processed"
	StatusDuplicate DeliveryStatus = "duplicate"
	StatusUnlinked  DeliveryStatus = "unlinked"
	StatusIgnored   DeliveryStatus = "ignored"
	StatusInvalid   DeliveryStatus = "invalid"
	StatusFailed    DeliveryStatus = "failed"
)

// Replayable reports whether a stored delivery may be run again.
func (s DeliveryStatus) Replayable() bool {
	switch s {
	case StatusUnlinked, StatusFailed, StatusReceived:
		return true
	}
	return false
}

// WebhookDelivery keeps every authenticated webhook body so deliveries can be
// inspected and replayed. Bodies that fail signature validation are never
// stored.
type WebhookDelivery struct {
	ID          string            `gorm:"column:id;primaryKey" json:"id"`
	ProviderID  string            `gorm:"column:provider_id;not null;index:idx_webhook_delivery_event,priority:1" json:"provider_id"`
	EventID     string            `gorm:"column:event_id;index:idx_webhook_delivery_event,priority:2" json:"event_id,omitempty"`
	EventType   string            `gorm:"column:event_type" json:"event_type,omitempty"`
	UserID      string            `gorm:"column:user_id;index" json:"user_id,omitempty"`
	Status      DeliveryStatus    `gorm:"column:status;not null;index" json:"status"`
	Payload     []byte            `gorm:"column:payload" json:"-"`
	Headers     datatypes.JSONMap `gorm:"column:headers" json:"headers,omitempty"`
	Error       string            `gorm:"column:error" json:"error,omitempty"`
	Attempts    int               `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ReceivedAt  time.Time         `gorm:"column:received_at;not null;index" json:"received_at"`
	ProcessedAt *time.Time        `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

type Filter struct {
	ProviderID string
	Status     DeliveryStatus
	UserID     string
	Cursor     string
	Limit      int
}

// Outcome is the webhook response body.
type Outcome struct {
	DeliveryID string         `json:"delivery_id"`
	EventID    string         `json:"event_id,omitempty"`
	Status     DeliveryStatus `json:"status"`
	Granted    int            `json:"granted"`
	Revoked    int            `json:"revoked"`
	Failures   []string       `json:"failures,omitempty"`
	HTTPStatus int            `json:"-"`
}
