package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"reminder-service/internal/db"
	"reminder-service/internal/logging"
	"reminder-service/internal/payload"
)

const (
	defaultIntervalMs = 60_000
	defaultFetchSize  = 200
	defaultLockName   = "reminder-dispatch"

	startTimeLayout = "2006-01-02 15:04:05"
)

var (
	// per tick
	dispatchSkippedCounter    = metrics.GetOrCreateCounter(`dispatch_runs_total{result="lock_held"}`)
	dispatchFetchErrorCounter = metrics.GetOrCreateCounter(`dispatch_runs_total{result="fetching_failed"}`)
	dispatchSuccessCounter    = metrics.GetOrCreateCounter(`dispatch_runs_total{result="success"}`)

	dispatchDurationHistogram = metrics.GetOrCreateHistogram(`dispatch_run_duration_milliseconds`)

	// per reminder
	remindersCalledCounter       = metrics.GetOrCreateCounter(`dispatch_reminders_total{result="called"}`)
	remindersCallFailedCounter   = metrics.GetOrCreateCounter(`dispatch_reminders_total{result="call_failed"}`)
	remindersDroppedCounter      = metrics.GetOrCreateCounter(`dispatch_reminders_total{result="undeliverable"}`)
	remindersUpdateFailedCounter = metrics.GetOrCreateCounter(`dispatch_reminders_total{result="db_update_failed"}`)
)

// Gateway places a single reminder call.
type Gateway interface {
	PlaceReminderCall(ctx context.Context, phone, bookingID, startTimeLocal string) error
}

// Locker provides mutual exclusion across service instances.
type Locker interface {
	Acquire(ctx context.Context, name string) bool
	Release(ctx context.Context, name string) error
}

type Option func(*Dispatcher)

// WithNow overrides the dispatcher clock. Tests only.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher periodically sweeps the outbox for due reminders and drives the
// call gateway. Only one instance sweeps per tick: the shared lock is
// acquired at the start of a tick and released unconditionally at its end.
type Dispatcher struct {
	repo      *db.ReminderRepository
	lock      Locker
	gateway   Gateway
	interval  time.Duration
	lockName  string
	fetchSize int
	now       func() time.Time
	logger    *slog.Logger
}

func NewDispatcher(repo *db.ReminderRepository, lock Locker, gateway Gateway,
	intervalMs int, lockName string, fetchSize int, logger *slog.Logger, opts ...Option) *Dispatcher {

	if intervalMs <= 0 {
		intervalMs = defaultIntervalMs
	}
	if lockName == "" {
		lockName = defaultLockName
	}
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}

	d := &Dispatcher{
		repo:      repo,
		lock:      lock,
		gateway:   gateway,
		interval:  time.Duration(intervalMs) * time.Millisecond,
		lockName:  lockName,
		fetchSize: fetchSize,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.RunOnce(ctx)
			case <-ctx.Done():
				d.logger.InfoContext(ctx, "Context done, stopping dispatcher")
				return
			}
		}
	}()
}

// RunOnce executes a single sweep. Exported so tests and operators can
// trigger a tick without waiting for the ticker.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	startTime := time.Now()

	// runId correlates all logs of one sweep
	ctx = logging.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	if !d.lock.Acquire(ctx, d.lockName) {
		d.logger.DebugContext(ctx, "Dispatch skipped, lock already acquired")
		dispatchSkippedCounter.Inc()
		return
	}
	defer func() {
		if err := d.lock.Release(ctx, d.lockName); err != nil {
			d.logger.ErrorContext(ctx, "Error releasing dispatch lock", "error", err)
		}
	}()

	entries, err := d.repo.GetDueReminders(ctx, d.now().UTC(), d.fetchSize)
	if err != nil {
		d.logger.ErrorContext(ctx, "Error fetching due reminders", "error", err)
		dispatchFetchErrorCounter.Inc()
		return
	}

	if len(entries) == 0 {
		dispatchSuccessCounter.Inc()
		return
	}

	d.logger.InfoContext(ctx, "Processing due reminders", "count", len(entries))

	for _, entry := range entries {
		d.processEntry(ctx, entry)
	}

	dispatchSuccessCounter.Inc()
	dispatchDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

func (d *Dispatcher) processEntry(ctx context.Context, entry *db.OutboxEntryEntity) {
	ctx = logging.AppendCtx(ctx, slog.String("entryId", entry.ID.String()))

	var reminder payload.Reminder
	if err := json.Unmarshal([]byte(entry.Payload), &reminder); err != nil {
		d.logger.WarnContext(ctx, "Dropping reminder with malformed payload", "error", err)
		d.drop(ctx, entry)
		return
	}

	if reminder.BookingID == "" || reminder.Phone == "" {
		d.logger.WarnContext(ctx, "Dropping undeliverable reminder",
			"bookingId", reminder.BookingID, "hasPhone", reminder.Phone != "")
		d.drop(ctx, entry)
		return
	}

	booking, err := d.repo.GetBookingByID(ctx, reminder.BookingID)
	if err == db.ErrNotFound {
		d.logger.WarnContext(ctx, "Dropping reminder for unknown booking", "bookingId", reminder.BookingID)
		d.drop(ctx, entry)
		return
	}
	if err != nil {
		// retried next tick
		d.logger.ErrorContext(ctx, "Error loading booking for reminder", "bookingId", reminder.BookingID, "error", err)
		remindersUpdateFailedCounter.Inc()
		return
	}

	startTimeLocal := booking.StartTime.Local().Format(startTimeLayout)

	if err := d.gateway.PlaceReminderCall(ctx, reminder.Phone, reminder.BookingID, startTimeLocal); err != nil {
		// entry stays unprocessed and is re-selected next tick
		d.logger.ErrorContext(ctx, "Error placing reminder call",
			"bookingId", reminder.BookingID, "phone", reminder.Phone, "error", err)
		remindersCallFailedCounter.Inc()
		return
	}

	if err := d.repo.MarkReminderSent(ctx, entry.ID, reminder.BookingID, d.now().UTC()); err != nil {
		// the call went out but the entry stays live; the next tick may call
		// again, which is the at-least-once trade-off taken here
		d.logger.ErrorContext(ctx, "Error marking reminder sent", "bookingId", reminder.BookingID, "error", err)
		remindersUpdateFailedCounter.Inc()
		return
	}

	d.logger.InfoContext(ctx, "Reminder call completed", "bookingId", reminder.BookingID)
	remindersCalledCounter.Inc()
}

func (d *Dispatcher) drop(ctx context.Context, entry *db.OutboxEntryEntity) {
	if err := d.repo.MarkProcessed(ctx, entry.ID); err != nil {
		d.logger.ErrorContext(ctx, "Error dropping reminder", "error", err)
		remindersUpdateFailedCounter.Inc()
		return
	}
	remindersDroppedCounter.Inc()
}
