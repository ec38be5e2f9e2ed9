package db

import (
	"context"
	"database/sql"

	"github.com/cyverse-de/budget-alerts/model"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// NotificationStore provides durable storage for notifications. Every operation is
// scoped by the owning user; a user can never see or modify another user's
// notifications.
type NotificationStore struct {
	db *sql.DB
}

// NewNotificationStore returns a notification store backed by the given database
// connection.
func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Save inserts a notification, assigning its durable ID and creation timestamp.
func (s *NotificationStore) Save(ctx context.Context, notification *model.Notification) error {
	wrapMsg := "unable to save the notification"

	// Marshal the payload for storage.
	payload, err := model.MarshalPayload(notification.Payload)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Build the insert statement.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert("notifications").
		Columns("kind", "user_id", "title", "message", "payload", "seen").
		Values(string(notification.Kind), notification.User, notification.Title,
			notification.Message, payload, notification.Seen).
		Suffix("RETURNING id::text, time_created").
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Execute the insert statement, scanning the assigned ID and timestamp back into
	// the notification.
	row := s.db.QueryRowContext(ctx, statement, args...)
	err = row.Scan(&notification.ID, &notification.TimeCreated)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// List returns the user's notifications, most recent first.
func (s *NotificationStore) List(ctx context.Context, user string) ([]*model.Notification, error) {
	wrapMsg := "unable to list notifications"

	// Build the query.
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("id::text", "kind", "title", "message", "coalesce(payload::text, '')", "time_created", "seen").
		From("notifications").
		Where(sq.Eq{"user_id": user}).
		OrderBy("time_created DESC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Query the database.
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	// Scan the result set.
	var notifications []*model.Notification
	for rows.Next() {
		var (
			notification model.Notification
			kind         string
			payloadText  string
		)
		err = rows.Scan(&notification.ID, &kind, &notification.Title, &notification.Message,
			&payloadText, &notification.TimeCreated, &notification.Seen)
		if err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		notification.Kind = model.Kind(kind)
		notification.User = user
		notification.Payload, err = model.UnmarshalPayload(notification.Kind, []byte(payloadText))
		if err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		notifications = append(notifications, &notification)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return notifications, nil
}

// MarkRead marks a single notification as read. ErrNotFound is returned if the
// notification doesn't exist or belongs to another user.
func (s *NotificationStore) MarkRead(ctx context.Context, id, user string) error {
	wrapMsg := "unable to mark the notification as read"

	// Build the update statement.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("notifications").
		Set("seen", true).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"user_id": user}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return s.execExpectingMatch(ctx, statement, args, wrapMsg)
}

// MarkAllRead marks all of the user's unread notifications as read.
func (s *NotificationStore) MarkAllRead(ctx context.Context, user string) error {
	wrapMsg := "unable to mark all notifications as read"

	// Build the update statement.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("notifications").
		Set("seen", true).
		Where(sq.Eq{"user_id": user}).
		Where(sq.Eq{"seen": false}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Execute the update statement.
	_, err = s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// Delete removes a single notification. ErrNotFound is returned if the notification
// doesn't exist or belongs to another user.
func (s *NotificationStore) Delete(ctx context.Context, id, user string) error {
	wrapMsg := "unable to delete the notification"

	// Build the delete statement.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Delete("notifications").
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"user_id": user}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return s.execExpectingMatch(ctx, statement, args, wrapMsg)
}

// ClearAll removes all of the user's notifications.
func (s *NotificationStore) ClearAll(ctx context.Context, user string) error {
	wrapMsg := "unable to clear notifications"

	// Build the delete statement.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Delete("notifications").
		Where(sq.Eq{"user_id": user}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Execute the delete statement.
	_, err = s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// Count counts the user's notifications, optionally restricted to unread ones.
func (s *NotificationStore) Count(ctx context.Context, user string, unreadOnly bool) (int64, error) {
	wrapMsg := "unable to count notifications"

	// Build the query.
	builder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("count(*)").
		From("notifications").
		Where(sq.Eq{"user_id": user})
	if unreadOnly {
		builder = builder.Where(sq.Eq{"seen": false})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	// Query the database.
	var total int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	return total, nil
}

// execExpectingMatch executes a statement that must affect exactly one row, mapping
// an unmatched statement to ErrNotFound.
func (s *NotificationStore) execExpectingMatch(
	ctx context.Context, statement string, args []interface{}, wrapMsg string,
) error {
	result, err := s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
