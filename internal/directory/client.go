package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"reminder-service/internal/config"
)

const defaultTimeoutMs = 5_000

// ErrAccountNotFound is returned when no account exists for the email.
var ErrAccountNotFound = errors.New("account not found")

type Account struct {
	ID                  string `json:"id"`
	PhoneNumber         string `json:"phoneNumber,omitempty"`
	RemindBeforeMinutes *int   `json:"remindBeforeMinutes,omitempty"`
}

// Client talks to the external Account Directory that maps attendee emails
// to accounts and reminder preferences.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(cfg config.Directory) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Client{
		baseURL: cfg.URL,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

func (c *Client) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	reqURL := c.baseURL + "/accounts/by-email?email=" + url.QueryEscape(email)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating directory request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling directory")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrAccountNotFound
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading directory response")
	}

	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("directory responded %s: %s", resp.Status, string(body))
	}

	var account Account
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, errors.Wrap(err, "unmarshalling directory response")
	}
	return &account, nil
}
