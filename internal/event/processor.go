package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"reminder-service/internal/db"
	"reminder-service/internal/directory"
	"reminder-service/internal/message"
	"reminder-service/internal/payload"
)

const DefaultLeadMinutes = 180

// Directory resolves attendee emails to accounts.
type Directory interface {
	GetAccountByEmail(ctx context.Context, email string) (*directory.Account, error)
}

// Processor applies booking lifecycle events to the booking table and the
// outbox. Each event is applied in a single transaction: booking upsert,
// supersession of stale reminders and insertion of fresh ones either all
// land or none do.
type Processor struct {
	repo        *db.ReminderRepository
	directory   Directory
	defaultLead time.Duration
	logger      *slog.Logger
}

func NewProcessor(repo *db.ReminderRepository, dir Directory, defaultLeadMinutes int, logger *slog.Logger) *Processor {
	if defaultLeadMinutes <= 0 {
		defaultLeadMinutes = DefaultLeadMinutes
	}
	return &Processor{
		repo:        repo,
		directory:   dir,
		defaultLead: time.Duration(defaultLeadMinutes) * time.Minute,
		logger:      logger,
	}
}

func (p *Processor) Process(ctx context.Context, ev message.BookingEvent) error {
	switch ev.Kind {
	case message.KindCreated, message.KindRescheduled:
		return p.handleScheduled(ctx, ev)
	case message.KindCancelled:
		return p.handleCancelled(ctx, ev)
	default:
		// unrecognized kinds are filtered at the HTTP boundary
		p.logger.WarnContext(ctx, "Ignoring event with unknown kind", "kind", ev.Kind)
		return nil
	}
}

type recipient struct {
	accountID string
	phone     string
	lead      time.Duration
}

// resolveRecipients looks up organizer and attendees in the account
// directory and returns one recipient per unique phone number. Lookup
// failures and unknown emails skip that contact only.
func (p *Processor) resolveRecipients(ctx context.Context, ev message.BookingEvent) []recipient {
	contacts := append([]message.Contact{ev.Organizer}, ev.Attendees...)

	var recipients []recipient
	seen := make(map[string]bool)

	for _, contact := range contacts {
		if contact.Email == "" {
			continue
		}

		account, err := p.directory.GetAccountByEmail(ctx, contact.Email)
		if errors.Is(err, directory.ErrAccountNotFound) {
			p.logger.DebugContext(ctx, "No account for attendee", "email", contact.Email)
			continue
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "Error resolving attendee account", "email", contact.Email, "error", err)
			continue
		}
		if account.PhoneNumber == "" || seen[account.PhoneNumber] {
			continue
		}
		seen[account.PhoneNumber] = true

		lead := p.defaultLead
		if account.RemindBeforeMinutes != nil {
			lead = time.Duration(*account.RemindBeforeMinutes) * time.Minute
		}

		recipients = append(recipients, recipient{
			accountID: account.ID,
			phone:     account.PhoneNumber,
			lead:      lead,
		})
	}
	return recipients
}

func (p *Processor) handleScheduled(ctx context.Context, ev message.BookingEvent) error {
	recipients := p.resolveRecipients(ctx, ev)
	if len(recipients) == 0 {
		p.logger.InfoContext(ctx, "No phone numbers resolved for booking", "bookingId", ev.BookingID)
	}

	attendeeNames := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		attendeeNames = append(attendeeNames, a.Name)
	}

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback(ctx)

	booking := &db.BookingEntity{
		ID:        uuid.New(),
		BookingID: ev.BookingID,
		StartTime: ev.StartTime.UTC(),
		Organizer: ev.Organizer.Name,
		Attendees: attendeeNames,
	}
	if err := p.repo.UpsertBooking(ctx, tx, booking); err != nil {
		return err
	}

	// Supersede-then-insert keyed on bookingId makes redelivery of the same
	// event idempotent and revokes stale reminders on reschedule.
	superseded, err := p.repo.SupersedeReminders(ctx, tx, ev.BookingID)
	if err != nil {
		return err
	}
	if superseded > 0 {
		p.logger.InfoContext(ctx, "Superseded stale reminders", "bookingId", ev.BookingID, "count", superseded)
	}

	for _, rec := range recipients {
		payloadBytes, err := json.Marshal(payload.Reminder{
			BookingID: ev.BookingID,
			Phone:     rec.phone,
			AccountID: rec.accountID,
		})
		if err != nil {
			return errors.Wrap(err, "marshalling reminder payload")
		}

		reminderAt := ev.StartTime.UTC().Add(-rec.lead)
		entry := &db.OutboxEntryEntity{
			ID:         uuid.New(),
			Type:       db.EntryTypeReminder,
			BookingID:  ev.BookingID,
			Payload:    string(payloadBytes),
			ReminderAt: &reminderAt,
			Processed:  false,
		}
		if err := p.repo.CreateOutboxEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "committing scheduled booking")
	}

	p.logger.InfoContext(ctx, "Handled scheduled booking",
		"bookingId", ev.BookingID, "kind", ev.Kind, "reminders", len(recipients))
	return nil
}

func (p *Processor) handleCancelled(ctx context.Context, ev message.BookingEvent) error {
	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback(ctx)

	updated, err := p.repo.StampBookingCalled(ctx, tx, ev.BookingID, time.Now().UTC())
	if err != nil {
		return err
	}
	if updated == 0 {
		p.logger.WarnContext(ctx, "Cancellation for unknown booking", "bookingId", ev.BookingID)
	}

	if _, err := p.repo.SupersedeReminders(ctx, tx, ev.BookingID); err != nil {
		return err
	}

	payloadBytes, err := json.Marshal(payload.CancellationMark{BookingID: ev.BookingID})
	if err != nil {
		return errors.Wrap(err, "marshalling cancellation payload")
	}

	// terminal marker, born processed; duplicate CANCELLED deliveries just
	// append another one without reviving anything
	mark := &db.OutboxEntryEntity{
		ID:        uuid.New(),
		Type:      db.EntryTypeCancellationMark,
		BookingID: ev.BookingID,
		Payload:   string(payloadBytes),
		Processed: true,
	}
	if err := p.repo.CreateOutboxEntry(ctx, tx, mark); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "committing cancellation")
	}

	p.logger.InfoContext(ctx, "Handled cancelled booking", "bookingId", ev.BookingID)
	return nil
}
