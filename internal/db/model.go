package db

import (
	"time"

	"github.com/google/uuid"
)

const (
	EntryTypeReminder         = "REMINDER"
	EntryTypeCancellationMark = "CANCELLATION_MARK"
)

type BookingEntity struct {
	ID        uuid.UUID
	BookingID string
	StartTime time.Time
	Organizer string
	Attendees []string
	CalledAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type OutboxEntryEntity struct {
	ID         uuid.UUID
	Type       string
	BookingID  string
	Payload    string
	ReminderAt *time.Time
	Processed  bool
	CreatedAt  time.Time
}
