package message

import "time"

// EventKind is the normalized booking lifecycle event kind. Provider wire
// formats are translated into these at the HTTP boundary so the rest of the
// service never sees a provider-specific payload.
type EventKind string

const (
	KindCreated     EventKind = "CREATED"
	KindRescheduled EventKind = "RESCHEDULED"
	KindCancelled   EventKind = "CANCELLED"
)

type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type BookingEvent struct {
	Kind      EventKind `json:"kind"`
	BookingID string    `json:"bookingId"`
	StartTime time.Time `json:"startTime"`
	Organizer Contact   `json:"organizer"`
	Attendees []Contact `json:"attendees"`
}
