package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DBLogger implements audit logging to the relational store. The audit_logs
// table is created by auth.EnsureSchema alongside the credential tables.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log writes an audit event.
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (timestamp, event_type, status, actor_user_id, target_user_id, session_id, ip_address, user_agent, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, event.Timestamp, event.EventType, event.Status,
		event.ActorUserID, event.TargetUserID, event.SessionID,
		event.IPAddress, event.UserAgent, event.Message).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Search returns events matching the filter, newest first.
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	addCondition := func(clause string, value interface{}) {
		conditions = append(conditions, fmt.Sprintf(clause, argNum))
		args = append(args, value)
		argNum++
	}

	if filter.EventType != "" {
		addCondition("event_type = $%d", filter.EventType)
	}
	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("(actor_user_id = $%d OR target_user_id = $%d)", argNum, argNum))
		args = append(args, *filter.UserID)
		argNum++
	}
	if filter.StartTime != nil {
		addCondition("timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		addCondition("timestamp <= $%d", *filter.EndTime)
	}

	query := `
		SELECT id, timestamp, event_type, status, actor_user_id, target_user_id, session_id, ip_address, user_agent, message
		FROM audit_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, limit, filter.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var actorID, targetID sql.NullInt64
		var sessionID, ipAddress, userAgent, message sql.NullString

		err := rows.Scan(&event.ID, &event.Timestamp, &event.EventType, &event.Status,
			&actorID, &targetID, &sessionID, &ipAddress, &userAgent, &message)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if actorID.Valid {
			event.ActorUserID = &actorID.Int64
		}
		if targetID.Valid {
			event.TargetUserID = &targetID.Int64
		}
		event.SessionID = sessionID.String
		event.IPAddress = ipAddress.String
		event.UserAgent = userAgent.String
		event.Message = message.String

		events = append(events, event)
	}
	return events, rows.Err()
}
