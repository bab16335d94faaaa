package notifications

import "time"

// Type categorizes a notification for display purposes.
type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// Notification is one entry in the console's notification panel. Entries are
// created on receipt of a push event and are never deleted client-side; the
// only mutation is the read flag flipping to true.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      Type      `json:"type"`
	CreatedOn time.Time `json:"createdOn"`
	IsRead    bool      `json:"isRead"`
}

// sessionEndedEvent is the payload of the domain push emitted when a lounge
// session is closed out remotely.
type sessionEndedEvent struct {
	TransactionID string    `json:"transactionId"`
	RoomID        string    `json:"roomId"`
	SetID         string    `json:"setId,omitempty"`
	EndedAt       time.Time `json:"endedAt"`
}
