package mitoshi

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Notification is one queued alert delivery, as handed to a
// NotificationSender. No internal package imports.
type Notification struct {
	ID            uuid.UUID
	AlertID       uuid.UUID
	ChannelType   string
	ChannelConfig map[string]string
	// Payload is the JSON alert body every channel receives.
	Payload json.RawMessage
	// Attempts counts earlier failed deliveries.
	Attempts int
}
