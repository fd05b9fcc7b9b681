package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// UserNotification is one confirmed send. Rows are appended once and only empty fields may be
// filled later by historical back-fill.
type UserNotification struct {
	ID                  string        `json:"id"`
	UserID              types.UserID  `json:"userId"`
	LayerID             types.LayerID `json:"layerId"`
	SentAt              time.Time     `json:"sentAt"`
	PushTitle           string        `json:"pushTitle"`
	PushBody            string        `json:"pushBody"`
	AudienceDescription string        `json:"audienceDescription"`
	DeepLink            string        `json:"deepLink"`
}

// NewNotificationID generates an ID for a ledger row
func NewNotificationID() string {
	return uuid.New().String()
}

// Key returns the dedup key of the row
func (n *UserNotification) Key() NotificationKey {
	return NotificationKey{UserID: n.UserID, SentAt: n.SentAt.UTC().Truncate(time.Second)}
}

// NotificationKey identifies a ledger row for dedup purposes
type NotificationKey struct {
	UserID types.UserID
	SentAt time.Time
}

// NotificationPatch holds values for empty ledger fields
type NotificationPatch struct {
	PushTitle           string
	PushBody            string
	AudienceDescription string
	DeepLink            string
}

// IsEmpty reports whether the patch carries no values
func (p NotificationPatch) IsEmpty() bool {
	return p.PushTitle == "" && p.PushBody == "" && p.AudienceDescription == "" && p.DeepLink == ""
}

// Apply fills empty fields of n and reports whether anything changed
func (p NotificationPatch) Apply(n *UserNotification) bool {
	changed := false
	if n.PushTitle == "" && p.PushTitle != "" {
		n.PushTitle = p.PushTitle
		changed = true
	}
	if n.PushBody == "" && p.PushBody != "" {
		n.PushBody = p.PushBody
		changed = true
	}
	if n.AudienceDescription == "" && p.AudienceDescription != "" {
		n.AudienceDescription = p.AudienceDescription
		changed = true
	}
	if n.DeepLink == "" && p.DeepLink != "" {
		n.DeepLink = p.DeepLink
		changed = true
	}
	return changed
}

// ImportResult is returned by a transactional historical import
type ImportResult struct {
	Inserted          int
	DuplicatesSkipped int
}

// PushMessage is what the delivery collaborator receives for one recipient
type PushMessage struct {
	ExecutionID   types.ExecutionID  `json:"execution_id"`
	AutomationID  types.AutomationID `json:"automation_id"`
	SequenceOrder int                `json:"sequence_order"`
	UserID        types.UserID       `json:"user_id"`
	Layer         types.LayerID      `json:"layer_id"`
	Title         string             `json:"title"`
	Body          string             `json:"body"`
	DeepLink      string             `json:"deep_link,omitempty"`
}

// IdempotencyKey is stable for the same recipient of the same step of the same execution
func (m *PushMessage) IdempotencyKey() string {
	return string(m.ExecutionID) + ":" + strconv.Itoa(m.SequenceOrder) + ":" + string(m.UserID)
}
