package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Session lifecycle statuses. Only scheduled sessions are eligible for
// reminders.
const (
	SessionStatusScheduled = "scheduled"
	SessionStatusCompleted = "completed"
	SessionStatusCancelled = "cancelled"
)

// Session represents a booked tutoring session between a tutor and a student.
// Sessions are created and mutated by the booking subsystem; the reminder
// pipeline only reads them.
type Session struct {
	ID        string            `gorm:"primaryKey;size:64" json:"id"`
	TutorID   string            `gorm:"size:128;not null;index" json:"tutor_id"`
	StudentID string            `gorm:"size:128;not null;index" json:"student_id"`
	StartTime time.Time         `gorm:"not null;index" json:"start_time"`
	Status    string            `gorm:"size:20;not null;default:scheduled" json:"status"`
	Meta      datatypes.JSONMap `json:"meta"` // booking details (subject, level, ...)
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// BeforeCreate assigns an ID when the booking flow did not set one
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Participants returns the two users eligible for a reminder
func (s *Session) Participants() []string {
	return []string{s.TutorID, s.StudentID}
}

// Subject returns the booked subject from the session metadata, if the
// booking flow recorded one.
func (s *Session) Subject() string {
	if s.Meta == nil {
		return ""
	}
	if subject, ok := s.Meta["subject"].(string); ok {
		return subject
	}
	return ""
}
