package domain

// Meeting lifecycle statuses. A meeting starts pending and reaches at most
// one terminal status.
const (
	MeetingPending   = "pending"
	MeetingConfirmed = "confirmed"
	MeetingCancelled = "cancelled"
)

// Meeting kinds.
const (
	KindVirtual  = "virtual"
	KindInPerson = "in_person"
)

// Participant decision statuses.
const (
	DecisionWaiting  = "waiting"
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

// Message kinds.
const (
	MessageText   = "text"
	MessageSystem = "system"
)

type Meeting struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	StartsAt    string `json:"starts_at" format:"date-time"`
	EndsAt      string `json:"ends_at" format:"date-time"`
	Kind        string `json:"kind" enum:"virtual,in_person"`
	CreatorID   string `json:"creator_id"`
	Status      string `json:"status" enum:"pending,confirmed,cancelled"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Participant is the meeting/user join row holding one invitee's decision.
type Participant struct {
	MeetingID string  `json:"meeting_id"`
	UserID    string  `json:"user_id"`
	Status    string  `json:"status" enum:"waiting,accepted,rejected"`
	DecidedAt *string `json:"decided_at,omitempty" format:"date-time"`
}

// Message is an append-only chat entry. AuthorID is nil for system messages.
type Message struct {
	ID        string  `json:"id"`
	MeetingID string  `json:"meeting_id"`
	AuthorID  *string `json:"author_id,omitempty"`
	Kind      string  `json:"kind" enum:"text,system"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// NotificationChannel is a user's registered push token.
type NotificationChannel struct {
	UserID    string `json:"user_id"`
	Token     string `json:"token"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Admin     bool   `json:"admin"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// MeetingDetails is a meeting joined with its participants and messages,
// messages ordered by creation time.
type MeetingDetails struct {
	Meeting      Meeting       `json:"meeting"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
}
