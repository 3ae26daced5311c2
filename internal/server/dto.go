package server

import (
	"atelier/internal/domain"
)

// Request payloads

type CreateMeetingRequest struct {
	ID           *string  `json:"id,omitempty"`
	Subject      string   `json:"subject"`
	Location     *string  `json:"location,omitempty"`
	Description  *string  `json:"description,omitempty"`
	StartsAt     string   `json:"starts_at" format:"date-time"`
	EndsAt       string   `json:"ends_at" format:"date-time"`
	Kind         *string  `json:"kind,omitempty" enum:"virtual,in_person"`
	Participants []string `json:"participants,omitempty"`
}

type RecordDecisionRequest struct {
	Decision string `json:"decision" enum:"accepted,rejected"`
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

type RegisterChannelRequest struct {
	Token string `json:"token"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin,omitempty"`
}

// Response payloads

type MeetingResponse struct {
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

type ParticipantResponse struct {
	UserID    string  `json:"user_id"`
	Status    string  `json:"status" enum:"waiting,accepted,rejected"`
	DecidedAt *string `json:"decided_at,omitempty" format:"date-time"`
}

type MessageResponse struct {
	ID        string  `json:"id"`
	AuthorID  *string `json:"author_id,omitempty"`
	Kind      string  `json:"kind" enum:"text,system"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type MeetingDetailsResponse struct {
	Meeting      MeetingResponse       `json:"meeting"`
	Participants []ParticipantResponse `json:"participants"`
	Messages     []MessageResponse     `json:"messages"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin"`
	Source string `json:"source"`
}

type paginatedMeetings struct {
	Items      []MeetingResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Mapping helpers

func meetingResponse(m domain.Meeting) MeetingResponse {
	return MeetingResponse{
		ID:          m.ID,
		Subject:     m.Subject,
		Location:    m.Location,
		Description: m.Description,
		StartsAt:    m.StartsAt,
		EndsAt:      m.EndsAt,
		Kind:        m.Kind,
		CreatorID:   m.CreatorID,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
	}
}

func mapMeetings(items []domain.Meeting) []MeetingResponse {
	res := make([]MeetingResponse, 0, len(items))
	for _, m := range items {
		res = append(res, meetingResponse(m))
	}
	return res
}

func participantResponse(p domain.Participant) ParticipantResponse {
	return ParticipantResponse{
		UserID:    p.UserID,
		Status:    p.Status,
		DecidedAt: p.DecidedAt,
	}
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		AuthorID:  m.AuthorID,
		Kind:      m.Kind,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func detailsResponse(d domain.MeetingDetails) MeetingDetailsResponse {
	res := MeetingDetailsResponse{
		Meeting:      meetingResponse(d.Meeting),
		Participants: []ParticipantResponse{},
		Messages:     []MessageResponse{},
	}
	for _, p := range d.Participants {
		res.Participants = append(res.Participants, participantResponse(p))
	}
	for _, m := range d.Messages {
		res.Messages = append(res.Messages, messageResponse(m))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
