package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"reminder-service/internal/message"
)

const signatureHeader = "X-Cal-Signature-256"

var (
	webhookInvalidSignatureCounter = metrics.GetOrCreateCounter(`webhook_events_total{result="invalid_signature"}`)
	webhookIgnoredCounter          = metrics.GetOrCreateCounter(`webhook_events_total{result="ignored"}`)
	webhookProcessErrorCounter     = metrics.GetOrCreateCounter(`webhook_events_total{result="process_error"}`)
	webhookSuccessCounter          = metrics.GetOrCreateCounter(`webhook_events_total{result="success"}`)
)

// Processor applies a normalized booking event.
type Processor interface {
	Process(ctx context.Context, ev message.BookingEvent) error
}

// wire format of the calendar provider's webhook
type contactDTO struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type payloadDTO struct {
	BookingID string       `json:"bookingId"`
	StartTime string       `json:"startTime"`
	Organizer contactDTO   `json:"organizer"`
	Attendees []contactDTO `json:"attendees"`
}

type webhookDTO struct {
	TriggerEvent string     `json:"triggerEvent"`
	Payload      payloadDTO `json:"payload"`
}

// Handler terminates the provider's webhook: it verifies the signature,
// normalizes the payload into a message.BookingEvent and hands it to the
// processor. Malformed or unrecognized events answer 200 with no side
// effect so the provider does not retry them forever.
type Handler struct {
	processor Processor
	secret    string
	logger    *slog.Logger
}

func NewHandler(processor Processor, secret string, logger *slog.Logger) *Handler {
	return &Handler{processor: processor, secret: secret, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error reading webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if h.secret != "" && !h.validSignature(body, r.Header.Get(signatureHeader)) {
		h.logger.WarnContext(ctx, "Webhook signature mismatch")
		webhookInvalidSignatureCounter.Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var dto webhookDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		h.logger.WarnContext(ctx, "Ignoring malformed webhook body", "error", err)
		webhookIgnoredCounter.Inc()
		writeJSON(w, http.StatusOK, map[string]string{"message": "ignored"})
		return
	}

	ev, ok := normalize(dto)
	if !ok {
		h.logger.InfoContext(ctx, "Ignoring webhook",
			"triggerEvent", dto.TriggerEvent, "bookingId", dto.Payload.BookingID)
		webhookIgnoredCounter.Inc()
		writeJSON(w, http.StatusOK, map[string]string{"message": "ignored"})
		return
	}

	if err := h.processor.Process(ctx, ev); err != nil {
		h.logger.ErrorContext(ctx, "Error processing booking event",
			"bookingId", ev.BookingID, "kind", ev.Kind, "error", err)
		webhookProcessErrorCounter.Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to process event"})
		return
	}

	webhookSuccessCounter.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// normalize maps the provider payload onto the internal event. A false
// return means the event must be acknowledged and dropped.
func normalize(dto webhookDTO) (message.BookingEvent, bool) {
	var kind message.EventKind
	switch dto.TriggerEvent {
	case "BOOKING_CREATED":
		kind = message.KindCreated
	case "BOOKING_RESCHEDULED":
		kind = message.KindRescheduled
	case "BOOKING_CANCELLED":
		kind = message.KindCancelled
	default:
		return message.BookingEvent{}, false
	}

	if dto.Payload.BookingID == "" {
		return message.BookingEvent{}, false
	}

	ev := message.BookingEvent{
		Kind:      kind,
		BookingID: dto.Payload.BookingID,
		Organizer: message.Contact{Name: dto.Payload.Organizer.Name, Email: dto.Payload.Organizer.Email},
	}
	for _, a := range dto.Payload.Attendees {
		ev.Attendees = append(ev.Attendees, message.Contact{Name: a.Name, Email: a.Email})
	}

	if kind == message.KindCreated || kind == message.KindRescheduled {
		startTime, err := time.Parse(time.RFC3339, dto.Payload.StartTime)
		if err != nil {
			return message.BookingEvent{}, false
		}
		ev.StartTime = startTime.UTC()
	}

	return ev, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
