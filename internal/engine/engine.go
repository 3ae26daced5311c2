package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/events"
	"atelier/internal/notify"
	"atelier/internal/repo"
)

// System message texts appended on lifecycle transitions.
const (
	msgScheduled = "Meeting scheduled: %s"
	msgConfirmed = "All participants have accepted; meeting confirmed."
	msgCancelled = "A participant has declined; meeting cancelled."
)

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ForbiddenError rejects an operation the caller is not allowed to perform.
type ForbiddenError struct {
	Msg string
}

func (e ForbiddenError) Error() string { return e.Msg }

// Hooks are invoked after a mutation's transaction commits. Used by the
// surrounding application for cache invalidation; never for correctness.
type Hooks struct {
	MeetingMutated func(meetingID, change string)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Dispatcher
	Hooks    Hooks
	Logger   *log.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (e Engine) mutated(meetingID, change string) {
	if e.Hooks.MeetingMutated != nil {
		e.Hooks.MeetingMutated(meetingID, change)
	}
}

// MeetingCreateOptions are parameters for scheduling a meeting.
type MeetingCreateOptions struct {
	ID             string
	Subject        string
	Location       string
	Description    string
	StartsAt       time.Time
	EndsAt         time.Time
	Kind           string
	CreatorID      string
	ParticipantIDs []string
}

// CreateMeeting persists the meeting, its participant rows, and the opening
// system message in one transaction, then fans out invitations best-effort.
func (e Engine) CreateMeeting(ctx context.Context, opts MeetingCreateOptions) (domain.Meeting, error) {
	if strings.TrimSpace(opts.Subject) == "" {
		return domain.Meeting{}, ValidationError{Msg: "subject is required"}
	}
	if opts.CreatorID == "" {
		return domain.Meeting{}, ValidationError{Msg: "creator is required"}
	}
	if opts.StartsAt.IsZero() || opts.EndsAt.IsZero() {
		return domain.Meeting{}, ValidationError{Msg: "start and end times are required"}
	}
	if !opts.StartsAt.Before(opts.EndsAt) {
		return domain.Meeting{}, ValidationError{Msg: "start time must be before end time"}
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindInPerson
	}
	if opts.Kind != domain.KindVirtual && opts.Kind != domain.KindInPerson {
		return domain.Meeting{}, ValidationError{Msg: fmt.Sprintf("invalid meeting kind %s", opts.Kind)}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Meeting{
		ID:          id,
		Subject:     opts.Subject,
		Location:    opts.Location,
		Description: opts.Description,
		StartsAt:    opts.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:      opts.EndsAt.UTC().Format(time.RFC3339),
		Kind:        opts.Kind,
		CreatorID:   opts.CreatorID,
		Status:      domain.MeetingPending,
		CreatedAt:   now,
	}
	invitees := dedupe(opts.ParticipantIDs)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Meeting{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMeetingTx(ctx, tx, m); err != nil {
		return domain.Meeting{}, fmt.Errorf("insert meeting: %w", err)
	}
	for _, userID := range invitees {
		p := domain.Participant{MeetingID: m.ID, UserID: userID, Status: domain.DecisionWaiting}
		if err := e.Repo.InsertParticipantTx(ctx, tx, p); err != nil {
			return domain.Meeting{}, fmt.Errorf("insert participant %s: %w", userID, err)
		}
	}
	if err := e.appendSystemMessageTx(ctx, tx, m.ID, fmt.Sprintf(msgScheduled, m.Subject)); err != nil {
		return domain.Meeting{}, err
	}
	if err := e.Events.Append(ctx, tx, "meeting.created", "meeting", m.ID, opts.CreatorID, events.EventPayload{
		"subject":      m.Subject,
		"status":       m.Status,
		"participants": invitees,
	}); err != nil {
		return domain.Meeting{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Meeting{}, err
	}
	e.mutated(m.ID, "created")
	e.notifyUsers(invitees, notify.Notification{
		Title:     "New meeting invitation",
		Body:      m.Subject,
		TargetURL: "/meetings/" + m.ID,
	})
	return m, nil
}

// RecordDecision applies one participant's accept/reject and recomputes the
// meeting's aggregate status. A decision on an already-decided participant is
// accepted silently and changes nothing. A decision while the meeting is
// already terminal updates the participant row only.
func (e Engine) RecordDecision(ctx context.Context, meetingID, userID, decision string) (domain.Meeting, error) {
	if decision != domain.DecisionAccepted && decision != domain.DecisionRejected {
		return domain.Meeting{}, ValidationError{Msg: fmt.Sprintf("invalid decision %s", decision)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Meeting{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetParticipantTx(ctx, tx, meetingID, userID)
	if err != nil {
		return domain.Meeting{}, err
	}
	m, err := e.Repo.GetMeetingTx(ctx, tx, meetingID)
	if err != nil {
		return domain.Meeting{}, err
	}
	if p.Status != domain.DecisionWaiting {
		// Participant already decided; idempotent no-op.
		return m, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateParticipantStatusTx(ctx, tx, meetingID, userID, decision, now); err != nil {
		return domain.Meeting{}, err
	}
	if err := e.Events.Append(ctx, tx, "meeting.decision.recorded", "meeting", meetingID, userID, events.EventPayload{
		"decision": decision,
	}); err != nil {
		return domain.Meeting{}, err
	}

	transition := ""
	if m.Status == domain.MeetingPending {
		next, err := e.recomputeStatusTx(ctx, tx, meetingID)
		if err != nil {
			return domain.Meeting{}, err
		}
		if next != m.Status {
			transition = next
			if err := e.Repo.UpdateMeetingStatusTx(ctx, tx, meetingID, next); err != nil {
				return domain.Meeting{}, err
			}
			text := msgConfirmed
			evtType := "meeting.confirmed"
			if next == domain.MeetingCancelled {
				text = msgCancelled
				evtType = "meeting.cancelled"
			}
			if err := e.appendSystemMessageTx(ctx, tx, meetingID, text); err != nil {
				return domain.Meeting{}, err
			}
			if err := e.Events.Append(ctx, tx, evtType, "meeting", meetingID, userID, events.EventPayload{
				"from_status": m.Status,
				"to_status":   next,
			}); err != nil {
				return domain.Meeting{}, err
			}
			m.Status = next
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Meeting{}, err
	}
	e.mutated(meetingID, "decision")
	if transition != "" {
		title := "Meeting confirmed"
		if transition == domain.MeetingCancelled {
			title = "Meeting cancelled"
		}
		e.notifyMeetingUsers(meetingID, m.CreatorID, notify.Notification{
			Title:     title,
			Body:      m.Subject,
			TargetURL: "/meetings/" + meetingID,
		})
	}
	return m, nil
}

// recomputeStatusTx derives the aggregate meeting status from current
// participant rows. Rejection dominates; a meeting with zero participants
// never leaves pending. Safe to re-evaluate from row state at any point.
func (e Engine) recomputeStatusTx(ctx context.Context, tx *sql.Tx, meetingID string) (string, error) {
	counts, err := e.Repo.CountParticipantsByStatusTx(ctx, tx, meetingID)
	if err != nil {
		return "", err
	}
	switch {
	case counts[domain.DecisionRejected] > 0:
		return domain.MeetingCancelled, nil
	case counts[domain.DecisionWaiting] == 0 && counts[domain.DecisionAccepted] > 0:
		return domain.MeetingConfirmed, nil
	default:
		return domain.MeetingPending, nil
	}
}

// PostMessage appends a user chat message. No status side effects.
func (e Engine) PostMessage(ctx context.Context, meetingID, authorID, text string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, ValidationError{Msg: "message text is required"}
	}
	if authorID == "" {
		return domain.Message{}, ValidationError{Msg: "author is required"}
	}
	if _, err := e.Repo.GetMeeting(ctx, meetingID); err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:        uuid.New().String(),
		MeetingID: meetingID,
		AuthorID:  &authorID,
		Kind:      domain.MessageText,
		Content:   text,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
		return domain.Message{}, err
	}
	if err := e.Events.Append(ctx, tx, "message.posted", "message", msg.ID, authorID, events.EventPayload{
		"meeting_id": meetingID,
	}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	e.mutated(meetingID, "message")
	return msg, nil
}

// DeleteMeeting removes a meeting and, via cascade, its participants and
// messages. Only the creator may delete.
func (e Engine) DeleteMeeting(ctx context.Context, meetingID, requesterID string) error {
	m, err := e.Repo.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.CreatorID != requesterID {
		return ForbiddenError{Msg: "only the meeting creator can delete it"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMeetingTx(ctx, tx, meetingID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "meeting.deleted", "meeting", meetingID, requesterID, events.EventPayload{
		"subject": m.Subject,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.mutated(meetingID, "deleted")
	return nil
}

// GetMeetingDetails returns the meeting with participants and messages,
// messages ordered by creation time.
func (e Engine) GetMeetingDetails(ctx context.Context, meetingID string) (domain.MeetingDetails, error) {
	m, err := e.Repo.GetMeeting(ctx, meetingID)
	if err != nil {
		return domain.MeetingDetails{}, err
	}
	participants, err := e.Repo.ListParticipants(ctx, meetingID)
	if err != nil {
		return domain.MeetingDetails{}, err
	}
	messages, err := e.Repo.ListMessages(ctx, meetingID)
	if err != nil {
		return domain.MeetingDetails{}, err
	}
	return domain.MeetingDetails{
		Meeting:      m,
		Participants: participants,
		Messages:     messages,
	}, nil
}

// ListMeetingsVisibleTo returns meetings the user created or is invited to,
// or every meeting for an admin.
func (e Engine) ListMeetingsVisibleTo(ctx context.Context, userID string, admin bool) ([]domain.Meeting, error) {
	return e.Repo.ListMeetings(ctx, repo.MeetingFilters{UserID: userID, Admin: admin})
}

// RegisterChannel stores a push token for a user.
func (e Engine) RegisterChannel(ctx context.Context, userID, token string) error {
	if userID == "" {
		return ValidationError{Msg: "user is required"}
	}
	if strings.TrimSpace(token) == "" {
		return ValidationError{Msg: "token is required"}
	}
	ch := domain.NotificationChannel{
		UserID:    userID,
		Token:     token,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertChannelTx(ctx, tx, ch); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "channel.registered", "channel", userID, userID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveChannel drops one of the user's push tokens.
func (e Engine) RemoveChannel(ctx context.Context, userID, token string) error {
	return e.Repo.DeleteChannel(ctx, userID, token)
}

func (e Engine) appendSystemMessageTx(ctx context.Context, tx *sql.Tx, meetingID, text string) error {
	msg := domain.Message{
		ID:        uuid.New().String(),
		MeetingID: meetingID,
		Kind:      domain.MessageSystem,
		Content:   text,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
		return fmt.Errorf("append system message: %w", err)
	}
	return nil
}

// notifyUsers dispatches a notification to every registered channel of the
// given users. Runs after commit, best-effort; failures are logged, expired
// tokens pruned. Never delays or fails the caller.
func (e Engine) notifyUsers(userIDs []string, n notify.Notification) {
	if e.Notifier == nil || len(userIDs) == 0 {
		return
	}
	go e.fanOut(userIDs, n)
}

// notifyMeetingUsers fans out to a meeting's participants and its creator.
// The participant lookup runs on the dispatch goroutine, off the request
// path.
func (e Engine) notifyMeetingUsers(meetingID, creatorID string, n notify.Notification) {
	if e.Notifier == nil {
		return
	}
	go func() {
		ctx := context.Background()
		participants, err := e.Repo.ListParticipants(ctx, meetingID)
		if err != nil {
			e.logf("notify: list participants for %s: %v", meetingID, err)
			return
		}
		userIDs := make([]string, 0, len(participants)+1)
		for _, p := range participants {
			userIDs = append(userIDs, p.UserID)
		}
		userIDs = append(userIDs, creatorID)
		e.fanOut(dedupe(userIDs), n)
	}()
}

func (e Engine) fanOut(userIDs []string, n notify.Notification) {
	ctx := context.Background()
	channels, err := e.Repo.ListChannelsForUsers(ctx, userIDs)
	if err != nil {
		e.logf("notify: list channels: %v", err)
		return
	}
	for _, ch := range channels {
		outcome, err := e.Notifier.Send(ctx, ch.Token, n)
		switch outcome {
		case notify.OutcomeDelivered:
		case notify.OutcomeExpired:
			e.logf("notify: token for user %s expired; pruning", ch.UserID)
			if err := e.Repo.DeleteChannelByToken(ctx, ch.Token); err != nil {
				e.logf("notify: prune token: %v", err)
			}
		default:
			e.logf("notify: deliver to user %s failed: %v", ch.UserID, err)
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var res []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	return res
}

// IsNotFound reports whether err is the repository's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
