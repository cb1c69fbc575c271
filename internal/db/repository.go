package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type ReminderRepository struct {
	pool *pgxpool.Pool
}

func NewReminderRepository(pool *pgxpool.Pool) *ReminderRepository {
	return &ReminderRepository{pool: pool}
}

func (r *ReminderRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// UpsertBooking inserts the booking or, when the bookingId already exists,
// overwrites startTime/organizer/attendees and resets calledAt so the new
// occurrence is eligible for a fresh reminder.
func (r *ReminderRepository) UpsertBooking(ctx context.Context, tx pgx.Tx, entity *BookingEntity) error {
	query := `INSERT INTO booking (id, booking_id, start_time, organizer, attendees, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, now(), now())
	          ON CONFLICT (booking_id) DO UPDATE
	          SET start_time = EXCLUDED.start_time,
	              organizer  = EXCLUDED.organizer,
	              attendees  = EXCLUDED.attendees,
	              called_at  = NULL,
	              updated_at = now()`
	_, err := tx.Exec(ctx, query, entity.ID, entity.BookingID, entity.StartTime, entity.Organizer, entity.Attendees)
	return errors.Wrap(err, "upserting booking")
}

func (r *ReminderRepository) GetBookingByID(ctx context.Context, bookingID string) (*BookingEntity, error) {
	query := `SELECT id, booking_id, start_time, organizer, attendees, called_at, created_at, updated_at
	          FROM booking WHERE booking_id = $1`
	row := r.pool.QueryRow(ctx, query, bookingID)

	var entity BookingEntity
	err := row.Scan(&entity.ID, &entity.BookingID, &entity.StartTime, &entity.Organizer,
		&entity.Attendees, &entity.CalledAt, &entity.CreatedAt, &entity.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting booking")
	}
	return &entity, nil
}

// StampBookingCalled sets calledAt for the booking. Used on a successful
// reminder call and on cancellation, which suppresses the occurrence.
func (r *ReminderRepository) StampBookingCalled(ctx context.Context, tx pgx.Tx, bookingID string, calledAt time.Time) (int64, error) {
	query := `UPDATE booking SET called_at = $2, updated_at = now() WHERE booking_id = $1`
	tag, err := tx.Exec(ctx, query, bookingID, calledAt)
	if err != nil {
		return 0, errors.Wrap(err, "stamping booking called_at")
	}
	return tag.RowsAffected(), nil
}

// SupersedeReminders marks every unprocessed REMINDER entry for the booking
// processed, so a newer event's entries fully replace them.
func (r *ReminderRepository) SupersedeReminders(ctx context.Context, tx pgx.Tx, bookingID string) (int64, error) {
	query := `UPDATE outbox SET processed = true
	          WHERE type = $1 AND processed = false AND booking_id = $2`
	tag, err := tx.Exec(ctx, query, EntryTypeReminder, bookingID)
	if err != nil {
		return 0, errors.Wrap(err, "superseding reminders")
	}
	return tag.RowsAffected(), nil
}

func (r *ReminderRepository) CreateOutboxEntry(ctx context.Context, tx pgx.Tx, entity *OutboxEntryEntity) error {
	query := `INSERT INTO outbox (id, type, booking_id, payload, reminder_at, processed, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, now())`
	_, err := tx.Exec(ctx, query, entity.ID, entity.Type, entity.BookingID, entity.Payload,
		entity.ReminderAt, entity.Processed)
	return errors.Wrap(err, "inserting outbox entry")
}

// GetDueReminders returns unprocessed REMINDER entries whose reminder time
// has passed, oldest first.
func (r *ReminderRepository) GetDueReminders(ctx context.Context, now time.Time, limit int) ([]*OutboxEntryEntity, error) {
	query := `SELECT id, type, booking_id, payload, reminder_at, processed, created_at
	          FROM outbox
	          WHERE type = $1 AND processed = false AND reminder_at <= $2
	          ORDER BY reminder_at ASC
	          LIMIT $3`
	rows, err := r.pool.Query(ctx, query, EntryTypeReminder, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "selecting due reminders")
	}
	defer rows.Close()

	var entries []*OutboxEntryEntity
	for rows.Next() {
		var entity OutboxEntryEntity
		err := rows.Scan(&entity.ID, &entity.Type, &entity.BookingID, &entity.Payload,
			&entity.ReminderAt, &entity.Processed, &entity.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning outbox entry")
		}
		entries = append(entries, &entity)
	}
	return entries, errors.Wrap(rows.Err(), "iterating due reminders")
}

func (r *ReminderRepository) GetEntriesByBookingID(ctx context.Context, bookingID string) ([]*OutboxEntryEntity, error) {
	query := `SELECT id, type, booking_id, payload, reminder_at, processed, created_at
	          FROM outbox WHERE booking_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, bookingID)
	if err != nil {
		return nil, errors.Wrap(err, "selecting outbox entries")
	}
	defer rows.Close()

	var entries []*OutboxEntryEntity
	for rows.Next() {
		var entity OutboxEntryEntity
		err := rows.Scan(&entity.ID, &entity.Type, &entity.BookingID, &entity.Payload,
			&entity.ReminderAt, &entity.Processed, &entity.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning outbox entry")
		}
		entries = append(entries, &entity)
	}
	return entries, errors.Wrap(rows.Err(), "iterating outbox entries")
}

// MarkProcessed marks a single entry processed without touching the booking.
// Used for undeliverable entries the dispatcher drops.
func (r *ReminderRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox SET processed = true WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return errors.Wrap(err, "marking entry processed")
}

// MarkReminderSent marks the entry processed and stamps booking.calledAt in
// one transaction so a crash between the two cannot split the state.
func (r *ReminderRepository) MarkReminderSent(ctx context.Context, id uuid.UUID, bookingID string, calledAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning mark-sent transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed = true WHERE id = $1`, id); err != nil {
		return errors.Wrap(err, "marking entry processed")
	}
	if _, err := r.StampBookingCalled(ctx, tx, bookingID, calledAt); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(ctx), "committing mark-sent transaction")
}
