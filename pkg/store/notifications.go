package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

// CreateNotification allocates the recipient's next notification_seq and
// inserts the row in one transaction, so NotificationRouter callers never
// have to manage the tx themselves.
func (s *SQLStore) CreateNotification(ctx context.Context, n *contracts.Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := s.NextNotificationSeq(ctx, tx, n.UserID)
	if err != nil {
		return err
	}
	n.NotificationSeq = seq

	if err := s.InsertNotification(ctx, tx, n); err != nil {
		return err
	}
	return tx.Commit()
}

// CountNotificationsByRunKind returns how many notifications of the given
// kind have already been emitted for a run, the counter
// notify_tool_errors_max_per_run gates against.
func (s *SQLStore) CountNotificationsByRunKind(ctx context.Context, runID, kind string) (int, error) {
	q := s.rebind(`SELECT COUNT(*) FROM notifications WHERE run_id = ? AND kind = ?`)
	var n int
	err := s.db.QueryRowContext(ctx, q, runID, kind).Scan(&n)
	return n, err
}

func (s *SQLStore) NextNotificationSeq(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	q := s.rebind(`SELECT last_notification_seq FROM notification_state WHERE user_id = ?`)
	row := tx.QueryRowContext(ctx, q, userID)
	var last int64
	err := row.Scan(&last)
	if err == sql.ErrNoRows {
		iq := s.rebind(`INSERT INTO notification_state (user_id, last_seen_notification_seq, last_notification_seq) VALUES (?, 0, 1)`)
		if _, err := tx.ExecContext(ctx, iq, userID); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	next := last + 1
	uq := s.rebind(`UPDATE notification_state SET last_notification_seq = ? WHERE user_id = ?`)
	if _, err := tx.ExecContext(ctx, uq, next, userID); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *SQLStore) InsertNotification(ctx context.Context, tx *sql.Tx, n *contracts.Notification) error {
	payloadJSON, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO notifications (notification_id, user_id, notification_seq, kind, payload_json, project_id, run_id, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, q, n.NotificationID, n.UserID, n.NotificationSeq, n.Kind, string(payloadJSON), n.ProjectID, n.RunID, n.CreatedAt.UTC().Format(timeLayout), nullableTime(n.ReadAt))
	return err
}

func (s *SQLStore) ListNotifications(ctx context.Context, userID string, afterSeq int64, limit int) ([]*contracts.Notification, error) {
	q := s.rebind(`SELECT notification_id, user_id, notification_seq, kind, payload_json, project_id, run_id, created_at, read_at
		FROM notifications WHERE user_id = ? AND notification_seq > ? ORDER BY notification_seq ASC`)
	if limit > 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}
	rows, err := s.db.QueryContext(ctx, q, userID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Notification
	for rows.Next() {
		var n contracts.Notification
		var payloadJSON, created string
		var readAt sql.NullString
		if err := rows.Scan(&n.NotificationID, &n.UserID, &n.NotificationSeq, &n.Kind, &payloadJSON, &n.ProjectID, &n.RunID, &created, &readAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &n.Payload)
		n.CreatedAt, _ = time.Parse(timeLayout, created)
		if readAt.Valid {
			t, _ := time.Parse(timeLayout, readAt.String)
			n.ReadAt = &t
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetNotificationState(ctx context.Context, userID string) (*contracts.NotificationState, error) {
	q := s.rebind(`SELECT user_id, last_seen_notification_seq FROM notification_state WHERE user_id = ?`)
	row := s.db.QueryRowContext(ctx, q, userID)
	var st contracts.NotificationState
	if err := row.Scan(&st.UserID, &st.LastSeenNotificationSeq); err != nil {
		if err == sql.ErrNoRows {
			return &contracts.NotificationState{UserID: userID}, nil
		}
		return nil, err
	}
	return &st, nil
}

// MarkNotificationsRead advances last_seen_notification_seq monotonically:
// a throughSeq lower than the stored value is a no-op, never a regression.
func (s *SQLStore) MarkNotificationsRead(ctx context.Context, userID string, throughSeq int64) error {
	q := s.rebind(`UPDATE notification_state SET last_seen_notification_seq = ? WHERE user_id = ? AND last_seen_notification_seq < ?`)
	_, err := s.db.ExecContext(ctx, q, throughSeq, userID, throughSeq)
	if err != nil {
		return err
	}
	// Ensure a state row exists even if this is the user's first read.
	iq := s.rebind(`INSERT INTO notification_state (user_id, last_seen_notification_seq, last_notification_seq) VALUES (?, ?, ?)`)
	if s.dialect == DialectPostgres {
		iq += ` ON CONFLICT (user_id) DO NOTHING`
	} else {
		iq = `INSERT OR IGNORE INTO notification_state (user_id, last_seen_notification_seq, last_notification_seq) VALUES (?, ?, ?)`
	}
	_, err = s.db.ExecContext(ctx, s.rebind(iq), userID, throughSeq, throughSeq)
	return err
}

// AddProjectMember upserts a membership row; re-adding an existing user
// updates their role rather than erroring, matching member_role_changed
// being modeled as the same write path as member_added.
func (s *SQLStore) AddProjectMember(ctx context.Context, m contracts.Membership) error {
	var q string
	if s.dialect == DialectPostgres {
		q = s.rebind(`INSERT INTO project_members (project_id, user_id, role) VALUES (?, ?, ?)
			ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`)
	} else {
		q = `INSERT INTO project_members (project_id, user_id, role) VALUES (?, ?, ?)
			ON CONFLICT (project_id, user_id) DO UPDATE SET role = excluded.role`
	}
	_, err := s.db.ExecContext(ctx, q, m.ProjectID, m.UserID, m.Role)
	return err
}

func (s *SQLStore) ListProjectMembers(ctx context.Context, projectID string) ([]contracts.Membership, error) {
	q := s.rebind(`SELECT project_id, user_id, role FROM project_members WHERE project_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.Membership
	for rows.Next() {
		var m contracts.Membership
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendActivity(ctx context.Context, a *contracts.Activity) error {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	seqQ := s.rebind(`SELECT COALESCE(MAX(activity_seq), 0) FROM activity WHERE project_id = ?`)
	var maxSeq int64
	if err := tx.QueryRowContext(ctx, seqQ, a.ProjectID).Scan(&maxSeq); err != nil {
		return err
	}
	a.ActivitySeq = maxSeq + 1

	insQ := s.rebind(`INSERT INTO activity (project_id, activity_seq, kind, ref_type, ref_id, actor_id, created_at, payload_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insQ, a.ProjectID, a.ActivitySeq, a.Kind, a.RefType, a.RefID, a.ActorID, a.CreatedAt.UTC().Format(timeLayout), string(payloadJSON)); err != nil {
		return err
	}
	return tx.Commit()
}

// ListActivity returns a project's activity rows with activity_seq greater
// than afterSeq, ascending, the same cursor-paged shape ListEvents and
// ListNotifications use for StreamBroker's durable replay.
func (s *SQLStore) ListActivity(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*contracts.Activity, error) {
	q := s.rebind(`SELECT project_id, activity_seq, kind, ref_type, ref_id, actor_id, created_at, payload_json
		FROM activity WHERE project_id = ? AND activity_seq > ? ORDER BY activity_seq ASC`)
	if limit > 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}
	rows, err := s.db.QueryContext(ctx, q, projectID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Activity
	for rows.Next() {
		var a contracts.Activity
		var created, payloadJSON string
		if err := rows.Scan(&a.ProjectID, &a.ActivitySeq, &a.Kind, &a.RefType, &a.RefID, &a.ActorID, &created, &payloadJSON); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(timeLayout, created)
		if payloadJSON != "" {
			_ = json.Unmarshal([]byte(payloadJSON), &a.Payload)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
