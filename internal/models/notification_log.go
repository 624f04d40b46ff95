package models

import "time"

// KindSessionReminder is the notification kind for the pre-session reminder.
const KindSessionReminder = "session_reminder"

// NotificationLog records that a notification was claimed for a
// (user, session, kind) triple. The composite unique index is the only
// deduplication mechanism in the pipeline: whichever invocation inserts the
// row owns the send, and overlapping invocations that lose the insert do
// nothing. Rows are never updated or deleted.
type NotificationLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:128;not null;uniqueIndex:idx_notification_claim" json:"user_id"`
	SessionID string    `gorm:"size:64;not null;uniqueIndex:idx_notification_claim" json:"session_id"`
	Kind      string    `gorm:"size:30;not null;uniqueIndex:idx_notification_claim" json:"kind"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName is pinned so the claim statement in the dispatch service targets
// the same table regardless of the connection's naming strategy.
func (NotificationLog) TableName() string {
	return "notification_log"
}
