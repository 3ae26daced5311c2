// Package outbox is the client-side durable queue of accept/reject actions
// recorded while disconnected, replayed against the server once connectivity
// returns. It also holds the read cache of the last-known meeting list for
// offline display.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"atelier/internal/db"
	"atelier/internal/domain"
)

// Action kinds. The payload targets one meeting/user pair.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// Action is one durably queued decision.
type Action struct {
	ID         string `json:"id"`
	Kind       string `json:"kind" enum:"accept,reject"`
	MeetingID  string `json:"meeting_id"`
	UserID     string `json:"user_id"`
	EnqueuedAt string `json:"enqueued_at" format:"date-time"`
}

// Decider is the server call a replay makes for each queued action.
// Implemented by the SDK client.
type Decider interface {
	Decide(ctx context.Context, meetingID, userID, decision string) error
}

// Waker is an optional platform capability for deferred wake-up when
// connectivity returns. Registration is best-effort; Enqueue never fails
// because a waker is missing or errors.
type Waker interface {
	RequestWake(tag string) error
}

// Replay order comes from the seq column, not the timestamp text: RFC 3339
// strings trim trailing fractional zeros and do not sort chronologically.
const schema = `
CREATE TABLE IF NOT EXISTS actions (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    kind        TEXT NOT NULL,
    meeting_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    enqueued_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS read_cache (
    key          TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
`

// Store is the durable queue backed by its own SQLite file, separate from
// any server state.
type Store struct {
	DB     *sql.DB
	Waker  Waker
	Logger *log.Logger
	Now    func() time.Time
}

// Open opens (creating if needed) the outbox store at the given path.
func Open(path string) (*Store, error) {
	conn, err := db.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init outbox schema: %w", err)
	}
	return &Store{DB: conn, Now: time.Now}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Enqueue durably appends one decision action and returns its local ID.
// If a waker is available, a wake request is registered best-effort.
func (s *Store) Enqueue(ctx context.Context, kind, meetingID, userID string) (string, error) {
	if kind != ActionAccept && kind != ActionReject {
		return "", fmt.Errorf("invalid action kind %s", kind)
	}
	if meetingID == "" || userID == "" {
		return "", fmt.Errorf("meeting and user are required")
	}
	id := uuid.New().String()
	enqueuedAt := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO actions(id,kind,meeting_id,user_id,enqueued_at) VALUES (?,?,?,?,?)`,
		id, kind, meetingID, userID, enqueuedAt)
	if err != nil {
		return "", err
	}
	if s.Waker != nil {
		if err := s.Waker.RequestWake("outbox-replay"); err != nil {
			s.logf("outbox: wake registration failed: %v", err)
		}
	}
	return id, nil
}

// List returns all queued actions in enqueue order.
func (s *Store) List(ctx context.Context) ([]Action, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,kind,meeting_id,user_id,enqueued_at FROM actions ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.Kind, &a.MeetingID, &a.UserID, &a.EnqueuedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Pending returns the number of queued actions, for a "pending sync"
// indicator.
func (s *Store) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM actions`).Scan(&n)
	return n, err
}

// ReplayResult reports which actions were delivered and which remain queued.
type ReplayResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// ReplayAll submits queued actions in enqueue order. Each success removes
// the action; each failure leaves it queued and moves on to the next action.
// Failures are never surfaced per-action to the user, only aggregated here.
func (s *Store) ReplayAll(ctx context.Context, decider Decider) (ReplayResult, error) {
	actions, err := s.List(ctx)
	if err != nil {
		return ReplayResult{}, err
	}
	var res ReplayResult
	for _, a := range actions {
		decision := domain.DecisionAccepted
		if a.Kind == ActionReject {
			decision = domain.DecisionRejected
		}
		if err := decider.Decide(ctx, a.MeetingID, a.UserID, decision); err != nil {
			s.logf("outbox: replay %s (%s %s/%s) failed: %v", a.ID, a.Kind, a.MeetingID, a.UserID, err)
			res.Failed = append(res.Failed, a.ID)
			continue
		}
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM actions WHERE id=?`, a.ID); err != nil {
			return res, fmt.Errorf("remove replayed action %s: %w", a.ID, err)
		}
		res.Succeeded = append(res.Succeeded, a.ID)
	}
	return res, nil
}

// CacheMeetings stores the last-known meeting list for offline display.
func (s *Store) CacheMeetings(ctx context.Context, payloadJSON string) error {
	updatedAt := s.now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO read_cache(key,payload_json,updated_at) VALUES ('meetings',?,?)
ON CONFLICT(key) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`, payloadJSON, updatedAt)
	return err
}

// CachedMeetings returns the cached meeting list payload and its timestamp,
// or ok=false when nothing is cached.
func (s *Store) CachedMeetings(ctx context.Context) (payloadJSON, updatedAt string, ok bool, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT payload_json,updated_at FROM read_cache WHERE key='meetings'`).Scan(&payloadJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return payloadJSON, updatedAt, true, nil
}

// ClearAll drops every queued action and all cached read data. Used on
// logout; performs no server calls.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM actions`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM read_cache`); err != nil {
		return err
	}
	return tx.Commit()
}
