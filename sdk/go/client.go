// Package ateliersdk is a minimal Atelier HTTP API client. It also serves
// as the replay target for the client-side offline action queue.
package ateliersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Atelier HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	principalID string
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Meeting represents the API meeting model.
type Meeting struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	StartsAt    string `json:"starts_at"`
	EndsAt      string `json:"ends_at"`
	Kind        string `json:"kind"`
	CreatorID   string `json:"creator_id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Participant is one invitee's decision row.
type Participant struct {
	UserID    string  `json:"user_id"`
	Status    string  `json:"status"`
	DecidedAt *string `json:"decided_at,omitempty"`
}

// Message is a chat entry.
type Message struct {
	ID        string  `json:"id"`
	AuthorID  *string `json:"author_id,omitempty"`
	Kind      string  `json:"kind"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at"`
}

// MeetingDetails joins a meeting with participants and messages.
type MeetingDetails struct {
	Meeting      Meeting       `json:"meeting"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedMeetings wraps list responses with cursors.
type PaginatedMeetings struct {
	Items      []Meeting `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// CreateMeetingOptions are parameters for CreateMeeting.
type CreateMeetingOptions struct {
	Subject      string
	Location     string
	Description  string
	StartsAt     string
	EndsAt       string
	Kind         string
	Participants []string
}

// CreateMeeting schedules a meeting. The creator is the authenticated caller.
func (c *Client) CreateMeeting(ctx context.Context, opts CreateMeetingOptions) (Meeting, error) {
	body := map[string]any{
		"subject":   opts.Subject,
		"starts_at": opts.StartsAt,
		"ends_at":   opts.EndsAt,
	}
	if opts.Location != "" {
		body["location"] = opts.Location
	}
	if opts.Description != "" {
		body["description"] = opts.Description
	}
	if opts.Kind != "" {
		body["kind"] = opts.Kind
	}
	if len(opts.Participants) > 0 {
		body["participants"] = opts.Participants
	}
	var resp Meeting
	err := c.do(ctx, http.MethodPost, "v0/meetings", body, &resp)
	return resp, err
}

// RecordDecision submits an accept/reject decision for the authenticated
// caller on a meeting.
func (c *Client) RecordDecision(ctx context.Context, meetingID, decision string) (Meeting, error) {
	body := map[string]any{"decision": decision}
	var resp Meeting
	endpoint := fmt.Sprintf("v0/meetings/%s/decision", url.PathEscape(meetingID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Decide submits a decision on behalf of a user; used by the offline queue's
// replay loop. The queue may hold actions recorded under another account, so
// the action's user is checked against the authenticated principal before
// anything is sent.
func (c *Client) Decide(ctx context.Context, meetingID, userID, decision string) error {
	if c.principalID == "" {
		me, err := c.WhoAmI(ctx)
		if err != nil {
			return err
		}
		c.principalID = me.UserID
	}
	if userID != c.principalID {
		return fmt.Errorf("action for user %s cannot be replayed as %s", userID, c.principalID)
	}
	_, err := c.RecordDecision(ctx, meetingID, decision)
	return err
}

// PostMessage appends a chat message to a meeting.
func (c *Client) PostMessage(ctx context.Context, meetingID, content string) (Message, error) {
	body := map[string]any{"content": content}
	var resp Message
	endpoint := fmt.Sprintf("v0/meetings/%s/messages", url.PathEscape(meetingID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetMeeting fetches a meeting with participants and messages.
func (c *Client) GetMeeting(ctx context.Context, meetingID string) (MeetingDetails, error) {
	var resp MeetingDetails
	endpoint := fmt.Sprintf("v0/meetings/%s", url.PathEscape(meetingID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteMeeting removes a meeting. Creator only.
func (c *Client) DeleteMeeting(ctx context.Context, meetingID string) error {
	endpoint := fmt.Sprintf("v0/meetings/%s", url.PathEscape(meetingID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Meetings returns meetings visible to the authenticated caller.
func (c *Client) Meetings(ctx context.Context, limit int) ([]Meeting, error) {
	page, err := c.MeetingsPage(ctx, limit, "")
	return page.Items, err
}

// MeetingsPage returns a paginated meeting listing.
func (c *Client) MeetingsPage(ctx context.Context, limit int, cursor string) (PaginatedMeetings, error) {
	endpoint := "v0/meetings"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedMeetings
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RegisterChannel registers a push token for the authenticated caller.
func (c *Client) RegisterChannel(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "v0/channels", map[string]any{"token": token}, nil)
}

// RemoveChannel removes a push token.
func (c *Client) RemoveChannel(ctx context.Context, token string) error {
	endpoint := fmt.Sprintf("v0/channels/%s", url.PathEscape(token))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Principal identifies the authenticated caller.
type Principal struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin"`
	Source string `json:"source"`
}

// WhoAmI returns the authenticated principal.
func (c *Client) WhoAmI(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// Events returns recent audit events. Admin only.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin issues a development JWT and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID string, admin bool) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{
		"user_id": userID,
		"admin":   admin,
	}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	c.principalID = ""
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
