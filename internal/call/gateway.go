package call

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"reminder-service/internal/config"
)

const defaultTimeoutMs = 10_000

// Gateway places one outbound reminder call through the Vapi voice API.
// It never retries: entries stay unprocessed on failure and the dispatcher
// re-selects them on the next tick.
type Gateway struct {
	callURL       string
	apiKey        string
	assistantID   string
	phoneNumberID string
	client        *http.Client
	logger        *slog.Logger
}

func NewGateway(cfg config.Vapi, logger *slog.Logger) *Gateway {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Gateway{
		callURL:       cfg.CallURL,
		apiKey:        cfg.APIKey,
		assistantID:   cfg.AssistantID,
		phoneNumberID: cfg.PhoneNumberID,
		client:        &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger:        logger,
	}
}

type customer struct {
	Number string `json:"number"`
}

type modelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type modelOverride struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []modelMessage `json:"messages"`
}

type assistantOverrides struct {
	Model          modelOverride     `json:"model"`
	FirstMessage   string            `json:"firstMessage"`
	VariableValues map[string]string `json:"variableValues"`
}

type callRequest struct {
	AssistantID        string             `json:"assistantId"`
	PhoneNumberID      string             `json:"phoneNumberId"`
	Customer           customer           `json:"customer"`
	AssistantOverrides assistantOverrides `json:"assistantOverrides"`
}

func (g *Gateway) PlaceReminderCall(ctx context.Context, phone, bookingID, startTimeLocal string) error {
	g.logger.InfoContext(ctx, "Placing reminder call", "phone", phone, "bookingId", bookingID)

	body := callRequest{
		AssistantID:   g.assistantID,
		PhoneNumberID: g.phoneNumberID,
		Customer:      customer{Number: phone},
		AssistantOverrides: assistantOverrides{
			Model: modelOverride{
				Provider: "openai",
				Model:    "gpt-4o",
				Messages: []modelMessage{
					{
						Role:    "system",
						Content: "You are calling about booking {{booking_id}}. This is going to happen in {{start_time}} format it to a more human-readable form.",
					},
				},
			},
			FirstMessage:   "Hi! I'm calling regarding your booking {{booking_id}}. You have a scheduled meeting at {{start_time}}.",
			VariableValues: map[string]string{"booking_id": bookingID, "start_time": startTimeLocal},
		},
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshalling call request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.callURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrap(err, "creating call request")
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending call request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading call response")
	}

	if resp.StatusCode >= 300 {
		return errors.Errorf("call request failed with %s: %s", resp.Status, string(respBody))
	}

	g.logger.InfoContext(ctx, "Reminder call placed", "phone", phone, "bookingId", bookingID)
	return nil
}
