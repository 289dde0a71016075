package booking

import (
	"time"

	"github.com/google/uuid"
)

// NotificationCategory is the semantic kind of a user-facing notification.
type NotificationCategory string

const (
	NotificationRunStarted          NotificationCategory = "run_started"
	NotificationRunSucceeded        NotificationCategory = "run_succeeded"
	NotificationRunFailed           NotificationCategory = "run_failed"
	NotificationEntitlementExpiring NotificationCategory = "entitlement_expiring"
)

// Notification is handed to the delivery collaborator. Once sent it belongs
// to the collaborator.
type Notification struct {
	// EventID is the transition that produced the notification, or a fresh id
	// for notifications not tied to a transition.
	EventID   uuid.UUID            `json:"event_id"`
	Owner     string               `json:"owner"`
	SessionID uuid.UUID            `json:"session_id"`
	Category  NotificationCategory `json:"category"`
	Detail    string               `json:"detail"`
	CreatedAt time.Time            `json:"created_at"`
}

// StatusUpdate is pushed to the live status feed for every transition.
type StatusUpdate struct {
	EventID   uuid.UUID    `json:"event_id"`
	Owner     string       `json:"owner"`
	SessionID uuid.UUID    `json:"session_id"`
	State     SessionState `json:"state"`
	Sequence  int64        `json:"sequence"`
}
