package payload

// Reminder is the JSON payload stored on REMINDER outbox entries.
type Reminder struct {
	BookingID string `json:"bookingId"`
	Phone     string `json:"phone"`
	AccountID string `json:"accountId"`
}

// CancellationMark is the JSON payload stored on CANCELLATION_MARK entries.
type CancellationMark struct {
	BookingID string `json:"bookingId"`
}
