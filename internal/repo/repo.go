package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"atelier/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const meetingColumns = `id,subject,COALESCE(location,'') AS location,COALESCE(description,'') AS description,starts_at,ends_at,kind,creator_id,status,created_at`

func scanMeeting(scan func(dest ...any) error) (domain.Meeting, error) {
	var m domain.Meeting
	err := scan(&m.ID, &m.Subject, &m.Location, &m.Description, &m.StartsAt, &m.EndsAt, &m.Kind, &m.CreatorID, &m.Status, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMeetingTx(ctx context.Context, tx *sql.Tx, m domain.Meeting) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO meetings(id,subject,location,description,starts_at,ends_at,kind,creator_id,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Subject, nullable(m.Location), nullable(m.Description), m.StartsAt, m.EndsAt, m.Kind, m.CreatorID, m.Status, m.CreatedAt)
	return err
}

func (r Repo) GetMeeting(ctx context.Context, id string) (domain.Meeting, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id=?`, id)
	return scanMeeting(row.Scan)
}

func (r Repo) GetMeetingTx(ctx context.Context, tx *sql.Tx, id string) (domain.Meeting, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id=?`, id)
	return scanMeeting(row.Scan)
}

func (r Repo) UpdateMeetingStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE meetings SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMeetingTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM meetings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type MeetingFilters struct {
	// UserID scopes the listing to meetings the user created or is invited
	// to; ignored when Admin is set.
	UserID          string
	Admin           bool
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListMeetings(ctx context.Context, f MeetingFilters) ([]domain.Meeting, error) {
	var clauses []string
	var args []any
	if !f.Admin {
		clauses = append(clauses, `(creator_id=? OR EXISTS (SELECT 1 FROM participants p WHERE p.meeting_id=meetings.id AND p.user_id=?))`)
		args = append(args, f.UserID, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + meetingColumns + ` FROM meetings ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participants(meeting_id,user_id,status,decided_at) VALUES (?,?,?,?)`,
		p.MeetingID, p.UserID, p.Status, nullableStringPtr(p.DecidedAt))
	return err
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, meetingID, userID string) (domain.Participant, error) {
	var p domain.Participant
	var decidedAt sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT meeting_id,user_id,status,decided_at FROM participants WHERE meeting_id=? AND user_id=?`, meetingID, userID).
		Scan(&p.MeetingID, &p.UserID, &p.Status, &decidedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if decidedAt.Valid {
		p.DecidedAt = &decidedAt.String
	}
	return p, nil
}

func (r Repo) UpdateParticipantStatusTx(ctx context.Context, tx *sql.Tx, meetingID, userID, status, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET status=?, decided_at=? WHERE meeting_id=? AND user_id=?`,
		status, decidedAt, meetingID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListParticipants(ctx context.Context, meetingID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT meeting_id,user_id,status,decided_at FROM participants WHERE meeting_id=? ORDER BY user_id`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

func (r Repo) ListParticipantsTx(ctx context.Context, tx *sql.Tx, meetingID string) ([]domain.Participant, error) {
	rows, err := tx.QueryContext(ctx, `SELECT meeting_id,user_id,status,decided_at FROM participants WHERE meeting_id=? ORDER BY user_id`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

func collectParticipants(rows *sql.Rows) ([]domain.Participant, error) {
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var decidedAt sql.NullString
		if err := rows.Scan(&p.MeetingID, &p.UserID, &p.Status, &decidedAt); err != nil {
			return nil, err
		}
		if decidedAt.Valid {
			p.DecidedAt = &decidedAt.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountParticipantsByStatusTx groups the meeting's participant rows by
// decision status, read inside the caller's transaction.
func (r Repo) CountParticipantsByStatusTx(ctx context.Context, tx *sql.Tx, meetingID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status, count(*) FROM participants WHERE meeting_id=? GROUP BY status`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,meeting_id,author_id,kind,content,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.MeetingID, nullableStringPtr(m.AuthorID), m.Kind, m.Content, m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, meetingID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,meeting_id,author_id,kind,content,created_at FROM messages WHERE meeting_id=? ORDER BY created_at ASC, id ASC`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var authorID sql.NullString
		if err := rows.Scan(&m.ID, &m.MeetingID, &authorID, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		if authorID.Valid {
			m.AuthorID = &authorID.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountMessagesByKind returns message counts per kind for a meeting.
func (r Repo) CountMessagesByKind(ctx context.Context, meetingID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kind, count(*) FROM messages WHERE meeting_id=? GROUP BY kind`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		res[kind] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
