package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"atelier/internal/domain"
)

// UpsertChannelTx registers a push token for a user inside an open
// transaction, so the registration and its audit event commit together.
// Re-registering the same token is a no-op.
func (r Repo) UpsertChannelTx(ctx context.Context, tx *sql.Tx, ch domain.NotificationChannel) error {
	if ch.UserID == "" {
		return errors.New("user_id required")
	}
	if strings.TrimSpace(ch.Token) == "" {
		return errors.New("token required")
	}
	if ch.CreatedAt == "" {
		ch.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO notification_channels(user_id,token,created_at) VALUES (?,?,?)`,
		ch.UserID, ch.Token, ch.CreatedAt)
	return err
}

// DeleteChannelByToken removes a token regardless of which user owns it.
// Used when the push service reports the token expired.
func (r Repo) DeleteChannelByToken(ctx context.Context, token string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM notification_channels WHERE token=?`, token)
	return err
}

// DeleteChannel removes one user's token.
func (r Repo) DeleteChannel(ctx context.Context, userID, token string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notification_channels WHERE user_id=? AND token=?`, userID, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChannelsForUsers returns every registered channel for the given users.
func (r Repo) ListChannelsForUsers(ctx context.Context, userIDs []string) ([]domain.NotificationChannel, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,token,created_at FROM notification_channels WHERE user_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationChannel
	for rows.Next() {
		var ch domain.NotificationChannel
		if err := rows.Scan(&ch.UserID, &ch.Token, &ch.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ch)
	}
	return res, rows.Err()
}
