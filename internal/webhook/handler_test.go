package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminder-service/internal/message"
)

type recordingProcessor struct {
	events []message.BookingEvent
	err    error
}

func (p *recordingProcessor) Process(_ context.Context, ev message.BookingEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func post(handler *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/cal", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const createdBody = `{
	"triggerEvent": "BOOKING_CREATED",
	"payload": {
		"bookingId": "b1",
		"startTime": "2025-01-10T15:00:00Z",
		"organizer": {"name": "Alice", "email": "alice@example.com"},
		"attendees": [{"name": "Bob", "email": "bob@example.com"}]
	}
}`

func TestHandler_CreatedEventIsNormalized(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewHandler(processor, "", slog.Default())

	rec := post(handler, createdBody, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, processor.events, 1)

	ev := processor.events[0]
	assert.Equal(t, message.KindCreated, ev.Kind)
	assert.Equal(t, "b1", ev.BookingID)
	assert.True(t, ev.StartTime.Equal(time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, message.Contact{Name: "Alice", Email: "alice@example.com"}, ev.Organizer)
	assert.Equal(t, []message.Contact{{Name: "Bob", Email: "bob@example.com"}}, ev.Attendees)
}

func TestHandler_UnrecognizedTriggerEventIsAcknowledged(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewHandler(processor, "", slog.Default())

	rec := post(handler, `{"triggerEvent":"MEETING_ENDED","payload":{"bookingId":"b1"}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, processor.events)
}

func TestHandler_MissingBookingIDIsAcknowledged(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewHandler(processor, "", slog.Default())

	rec := post(handler, `{"triggerEvent":"BOOKING_CREATED","payload":{"startTime":"2025-01-10T15:00:00Z"}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, processor.events)
}

func TestHandler_MissingStartTimeIsAcknowledged(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewHandler(processor, "", slog.Default())

	rec := post(handler, `{"triggerEvent":"BOOKING_RESCHEDULED","payload":{"bookingId":"b1"}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, processor.events)
}

func TestHandler_MalformedBodyIsAcknowledged(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewHandler(processor, "", slog.Default())

	rec := post(handler, `{not json`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, processor.events)
}

func TestHandler_CancelledEventNeedsNoStartTime(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewHandler(processor, "", slog.Default())

	rec := post(handler, `{"triggerEvent":"BOOKING_CANCELLED","payload":{"bookingId":"b1"}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, processor.events, 1)
	assert.Equal(t, message.KindCancelled, processor.events[0].Kind)
}

func TestHandler_ProcessorErrorReturns500(t *testing.T) {
	processor := &recordingProcessor{err: errors.New("storage down")}
	handler := NewHandler(processor, "", slog.Default())

	rec := post(handler, createdBody, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_SignatureVerification(t *testing.T) {
	const secret = "hush"

	sign := func(body string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(body))
		return hex.EncodeToString(mac.Sum(nil))
	}

	t.Run("ValidSignature", func(t *testing.T) {
		processor := &recordingProcessor{}
		handler := NewHandler(processor, secret, slog.Default())

		rec := post(handler, createdBody, map[string]string{signatureHeader: sign(createdBody)})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, processor.events, 1)
	})

	t.Run("InvalidSignature", func(t *testing.T) {
		processor := &recordingProcessor{}
		handler := NewHandler(processor, secret, slog.Default())

		rec := post(handler, createdBody, map[string]string{signatureHeader: "deadbeef"})

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, processor.events)
	})

	t.Run("MissingSignature", func(t *testing.T) {
		processor := &recordingProcessor{}
		handler := NewHandler(processor, secret, slog.Default())

		rec := post(handler, createdBody, nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, processor.events)
	})
}
