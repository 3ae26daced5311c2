package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Notification is the payload handed to a user's push channel.
type Notification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	TargetURL string `json:"target_url,omitempty"`
}

// Outcome classifies a delivery attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	// OutcomeExpired means the push service no longer knows the token;
	// the channel should be pruned.
	OutcomeExpired Outcome = "expired"
	OutcomeFailed  Outcome = "failed"
)

// Dispatcher attempts delivery of one notification to one channel token.
// Implementations must never block longer than their configured timeout.
type Dispatcher interface {
	Send(ctx context.Context, token string, n Notification) (Outcome, error)
}

const defaultTimeout = 5 * time.Second

// HTTPDispatcher posts notifications to a push bridge endpoint.
type HTTPDispatcher struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration
}

// NewHTTPDispatcher returns a dispatcher for the given endpoint, or nil when
// the endpoint is empty (dispatch disabled).
func NewHTTPDispatcher(endpoint string, timeout time.Duration) *HTTPDispatcher {
	if strings.TrimSpace(endpoint) == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPDispatcher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
		Timeout:  timeout,
	}
}

type pushRequest struct {
	Token        string `json:"token"`
	Notification `json:"notification"`
}

func (d *HTTPDispatcher) Send(ctx context.Context, token string, n Notification) (Outcome, error) {
	data, err := json.Marshal(pushRequest{Token: token, Notification: n})
	if err != nil {
		return OutcomeFailed, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(data))
	if err != nil {
		return OutcomeFailed, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return OutcomeFailed, err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return OutcomeDelivered, nil
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		return OutcomeExpired, fmt.Errorf("push token rejected: status %d", res.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return OutcomeFailed, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
}
