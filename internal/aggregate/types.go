package aggregate

import "time"

// Notification is a stored user notification. The dispatcher never
// modifies it.
type Notification struct {
	ID          int64
	RecipientID string
	Timestamp   time.Time
	Seen        bool
	// Message is the rendered notification text. It may contain <a> links.
	Message string
}
