package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"reminder-service/internal/db"
	"reminder-service/internal/dispatch"
	"reminder-service/internal/payload"
	"reminder-service/tests/testhelpers"
)

type placedCall struct {
	phone          string
	bookingID      string
	startTimeLocal string
}

type stubGateway struct {
	mu    sync.Mutex
	calls []placedCall
	err   error
}

func (g *stubGateway) PlaceReminderCall(_ context.Context, phone, bookingID, startTimeLocal string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.calls = append(g.calls, placedCall{phone: phone, bookingID: bookingID, startTimeLocal: startTimeLocal})
	return nil
}

func (g *stubGateway) placed() []placedCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]placedCall(nil), g.calls...)
}

type DispatcherTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	repo        *db.ReminderRepository
	locks       *db.LockRepository
	gateway     *stubGateway
	now         time.Time
	sut         *dispatch.Dispatcher
	ctx         context.Context
}

func (s *DispatcherTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.repo = db.NewReminderRepository(pool)
	s.locks = db.NewLockRepository(pool)
}

func (s *DispatcherTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *DispatcherTestSuite) SetupTest() {
	for _, table := range []string{"outbox", "booking", "cron_lock"} {
		_, err := s.pool.Exec(s.ctx, "DELETE FROM "+table)
		if err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}

	s.gateway = &stubGateway{}
	s.now = time.Date(2025, 1, 10, 14, 0, 1, 0, time.UTC)
	s.sut = dispatch.NewDispatcher(s.repo, s.locks, s.gateway,
		60_000, "reminder-dispatch", 200, slog.Default(),
		dispatch.WithNow(func() time.Time { return s.now }))
}

func (s *DispatcherTestSuite) seedBooking(bookingID string, start time.Time) {
	tx, err := s.repo.BeginTx(s.ctx)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.repo.UpsertBooking(s.ctx, tx, &db.BookingEntity{
		ID:        uuid.New(),
		BookingID: bookingID,
		StartTime: start,
		Organizer: "Alice",
	}))
	require.NoError(s.T(), tx.Commit(s.ctx))
}

func (s *DispatcherTestSuite) seedReminder(bookingID, phone string, reminderAt time.Time) uuid.UUID {
	payloadBytes, err := json.Marshal(payload.Reminder{BookingID: bookingID, Phone: phone, AccountID: "acc-1"})
	require.NoError(s.T(), err)

	entry := &db.OutboxEntryEntity{
		ID:         uuid.New(),
		Type:       db.EntryTypeReminder,
		BookingID:  bookingID,
		Payload:    string(payloadBytes),
		ReminderAt: &reminderAt,
	}

	tx, err := s.repo.BeginTx(s.ctx)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.repo.CreateOutboxEntry(s.ctx, tx, entry))
	require.NoError(s.T(), tx.Commit(s.ctx))
	return entry.ID
}

func (s *DispatcherTestSuite) seedRawReminder(bookingID, rawPayload string, reminderAt time.Time) uuid.UUID {
	entry := &db.OutboxEntryEntity{
		ID:         uuid.New(),
		Type:       db.EntryTypeReminder,
		BookingID:  bookingID,
		Payload:    rawPayload,
		ReminderAt: &reminderAt,
	}

	tx, err := s.repo.BeginTx(s.ctx)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.repo.CreateOutboxEntry(s.ctx, tx, entry))
	require.NoError(s.T(), tx.Commit(s.ctx))
	return entry.ID
}

func (s *DispatcherTestSuite) TestDueReminderIsCalledOnce() {
	t := s.T()

	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	s.seedBooking("b1", start)
	s.seedReminder("b1", "+15550001", start.Add(-time.Hour))

	s.sut.RunOnce(s.ctx)

	calls := s.gateway.placed()
	require.Len(t, calls, 1)
	assert.Equal(t, "+15550001", calls[0].phone)
	assert.Equal(t, "b1", calls[0].bookingID)
	assert.Equal(t, "2025-01-10 15:00:00", calls[0].startTimeLocal)

	booking, err := s.repo.GetBookingByID(s.ctx, "b1")
	require.NoError(t, err)
	assert.NotNil(t, booking.CalledAt)

	// processed entries are terminal, a second tick places no new call
	s.sut.RunOnce(s.ctx)
	assert.Len(t, s.gateway.placed(), 1)
}

func (s *DispatcherTestSuite) TestNotYetDueReminderIsLeftAlone() {
	t := s.T()

	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	s.seedBooking("b1", start)
	s.seedReminder("b1", "+15550001", s.now.Add(30*time.Minute))

	s.sut.RunOnce(s.ctx)

	assert.Empty(t, s.gateway.placed())
}

func (s *DispatcherTestSuite) TestFailedCallRetriedNextTick() {
	t := s.T()

	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	s.seedBooking("b1", start)
	s.seedReminder("b1", "+15550001", start.Add(-time.Hour))

	s.gateway.err = errors.New("gateway unreachable")
	s.sut.RunOnce(s.ctx)

	assert.Empty(t, s.gateway.placed())

	booking, err := s.repo.GetBookingByID(s.ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, booking.CalledAt)

	due, err := s.repo.GetDueReminders(s.ctx, s.now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	s.gateway.err = nil
	s.sut.RunOnce(s.ctx)

	assert.Len(t, s.gateway.placed(), 1)
}

func (s *DispatcherTestSuite) TestProcessesOldestFirstAndContinuesPastFailures() {
	t := s.T()

	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	s.seedBooking("b1", start)
	s.seedBooking("b2", start)
	s.seedReminder("b2", "+15550002", start.Add(-time.Hour))
	s.seedReminder("b1", "+15550001", start.Add(-2*time.Hour))

	s.sut.RunOnce(s.ctx)

	calls := s.gateway.placed()
	require.Len(t, calls, 2)
	assert.Equal(t, "b1", calls[0].bookingID)
	assert.Equal(t, "b2", calls[1].bookingID)
}

func (s *DispatcherTestSuite) TestUndeliverableEntriesAreDropped() {
	t := s.T()

	reminderAt := s.now.Add(-time.Hour)
	s.seedRawReminder("", `{"phone":"+15550009"}`, reminderAt)
	s.seedRawReminder("b1", `{"bookingId":"b1"}`, reminderAt)
	s.seedRawReminder("ghost", `{"bookingId":"ghost","phone":"+15550008"}`, reminderAt)

	s.sut.RunOnce(s.ctx)

	assert.Empty(t, s.gateway.placed())

	due, err := s.repo.GetDueReminders(s.ctx, s.now, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "undeliverable entries must not be re-selected")
}

func (s *DispatcherTestSuite) TestHeldLockSkipsTick() {
	t := s.T()

	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	s.seedBooking("b1", start)
	s.seedReminder("b1", "+15550001", start.Add(-time.Hour))

	require.True(t, s.locks.Acquire(s.ctx, "reminder-dispatch"))
	s.sut.RunOnce(s.ctx)
	assert.Empty(t, s.gateway.placed())

	require.NoError(t, s.locks.Release(s.ctx, "reminder-dispatch"))
	s.sut.RunOnce(s.ctx)
	assert.Len(t, s.gateway.placed(), 1)
}

func (s *DispatcherTestSuite) TestLockReleasedAfterTick() {
	t := s.T()

	s.sut.RunOnce(s.ctx)

	assert.True(t, s.locks.Acquire(s.ctx, "reminder-dispatch"))
	require.NoError(t, s.locks.Release(s.ctx, "reminder-dispatch"))
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}
