package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var ErrNotFound = errors.New("record not found")

func (s *Store) CreateNotification(ctx context.Context, item Notification) (*Notification, error) {
	if item.Level == "" {
		item.Level = LevelInfo
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (level, source, message, created_at) VALUES (?, ?, ?, ?)`,
		string(item.Level), item.Source, item.Message, item.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	item.ID, _ = result.LastInsertId()
	return &item, nil
}

// ListNotifications returns the newest notifications first. An empty level matches all.
func (s *Store) ListNotifications(ctx context.Context, limit int, level NotificationLevel) ([]Notification, error) {
	limit = clampLimit(limit, 100, 1000)
	query := `SELECT id, level, source, message, created_at FROM notifications`
	args := make([]any, 0, 2)
	if level != "" {
		query += ` WHERE level = ?`
		args = append(args, string(level))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Notification, 0, limit)
	for rows.Next() {
		var item Notification
		var levelRaw string
		var createdAt string
		if err := rows.Scan(&item.ID, &levelRaw, &item.Source, &item.Message, &createdAt); err != nil {
			return nil, err
		}
		item.Level = NotificationLevel(levelRaw)
		item.CreatedAt = parseSQLiteTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CreateConnectionSession(ctx context.Context, item ConnectionSession) (*ConnectionSession, error) {
	if strings.TrimSpace(item.ID) == "" {
		return nil, errors.New("session id is required")
	}
	if item.Status == "" {
		item.Status = SessionOpen
	}
	if item.StartedAt.IsZero() {
		item.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO connection_sessions (
		id, short_room_id, room_id, uid, gateway_host, status, close_reason, reconnects, started_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.ShortRoomID,
		item.RoomID,
		item.UID,
		item.GatewayHost,
		string(item.Status),
		item.CloseReason,
		item.Reconnects,
		item.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) CloseConnectionSession(ctx context.Context, id string, status SessionStatus, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE connection_sessions SET status=?, close_reason=?, ended_at=? WHERE id=? AND ended_at IS NULL`,
		string(status), reason, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetConnectionSession(ctx context.Context, id string) (*ConnectionSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, short_room_id, room_id, uid, gateway_host, status, close_reason, reconnects, started_at, ended_at
	FROM connection_sessions WHERE id = ? LIMIT 1`, id)
	item, err := scanConnectionSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *Store) ListConnectionSessions(ctx context.Context, limit int) ([]ConnectionSession, error) {
	limit = clampLimit(limit, 50, 500)
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, short_room_id, room_id, uid, gateway_host, status, close_reason, reconnects, started_at, ended_at
	FROM connection_sessions ORDER BY datetime(started_at) DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]ConnectionSession, 0, limit)
	for rows.Next() {
		item, err := scanConnectionSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnectionSession(row rowScanner) (*ConnectionSession, error) {
	var item ConnectionSession
	var status string
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(
		&item.ID,
		&item.ShortRoomID,
		&item.RoomID,
		&item.UID,
		&item.GatewayHost,
		&status,
		&item.CloseReason,
		&item.Reconnects,
		&startedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}
	item.Status = SessionStatus(status)
	item.StartedAt = parseSQLiteTime(startedAt)
	if endedAt.Valid && endedAt.String != "" {
		parsed := parseSQLiteTime(endedAt.String)
		item.EndedAt = &parsed
	}
	return &item, nil
}

func (s *Store) CreateBilibiliAPIErrorLog(ctx context.Context, item BilibiliAPIErrorLog) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO bilibili_api_error_logs (
		endpoint, stage, http_status, attempt, retryable, response_body, error_message, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Endpoint,
		item.Stage,
		item.HTTPStatus,
		item.Attempt,
		boolToInt(item.Retryable),
		item.ResponseBody,
		item.ErrorMessage,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) ListBilibiliAPIErrorLogs(ctx context.Context, limit int, endpointKeyword string) ([]BilibiliAPIErrorLog, error) {
	limit = clampLimit(limit, 100, 2000)
	query := `SELECT id, endpoint, stage, http_status, attempt, retryable, response_body, error_message, created_at
	FROM bilibili_api_error_logs`
	args := make([]any, 0, 2)
	if keyword := strings.TrimSpace(endpointKeyword); keyword != "" {
		query += ` WHERE endpoint LIKE ?`
		args = append(args, "%"+keyword+"%")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]BilibiliAPIErrorLog, 0, limit)
	for rows.Next() {
		var item BilibiliAPIErrorLog
		var retryable int
		var createdAt string
		if err := rows.Scan(
			&item.ID,
			&item.Endpoint,
			&item.Stage,
			&item.HTTPStatus,
			&item.Attempt,
			&retryable,
			&item.ResponseBody,
			&item.ErrorMessage,
			&createdAt,
		); err != nil {
			return nil, err
		}
		item.Retryable = retryable == 1
		item.CreatedAt = parseSQLiteTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CleanupOldDataBefore deletes rows older than cutoff. Open sessions are kept.
func (s *Store) CleanupOldDataBefore(ctx context.Context, cutoff time.Time, batchSize int) (CleanupStats, error) {
	if cutoff.IsZero() {
		return CleanupStats{}, errors.New("cutoff is required")
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if batchSize > 5000 {
		batchSize = 5000
	}

	stats := CleanupStats{}
	var err error
	if stats.Notifications, err = s.batchDeleteBefore(ctx, "notifications", "created_at", cutoff, batchSize); err != nil {
		return CleanupStats{}, err
	}
	if stats.BilibiliErrorLogs, err = s.batchDeleteBefore(ctx, "bilibili_api_error_logs", "created_at", cutoff, batchSize); err != nil {
		return CleanupStats{}, err
	}
	if stats.ConnectionSessions, err = s.batchDeleteBefore(ctx, "connection_sessions", "ended_at", cutoff, batchSize); err != nil {
		return CleanupStats{}, err
	}
	stats.Total = stats.Notifications + stats.BilibiliErrorLogs + stats.ConnectionSessions
	return stats, nil
}

func (s *Store) batchDeleteBefore(ctx context.Context, table string, timeColumn string, cutoff time.Time, batchSize int) (int64, error) {
	total := int64(0)
	cutoffValue := cutoff.UTC().Format(time.RFC3339Nano)
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE rowid IN (
			SELECT rowid FROM %s WHERE %s IS NOT NULL AND datetime(%s) < datetime(?) LIMIT ?
		)`, table, table, timeColumn, timeColumn)
		result, err := s.db.ExecContext(ctx, query, cutoffValue, batchSize)
		if err != nil {
			return total, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}
	}
}

func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize;`)
	return err
}

func (s *Store) DBStats(ctx context.Context) (DBStats, error) {
	stats := DBStats{DBPath: s.dbPath}
	if fileInfo, err := os.Stat(s.dbPath); err == nil {
		stats.DBSizeBytes = fileInfo.Size()
	}
	if fileInfo, err := os.Stat(s.dbPath + "-wal"); err == nil {
		stats.WALSizeBytes = fileInfo.Size()
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count;`).Scan(&stats.PageCount); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size;`).Scan(&stats.PageSize); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count;`).Scan(&stats.FreeListCount); err != nil {
		return stats, err
	}
	if stats.PageCount > stats.FreeListCount && stats.PageSize > 0 {
		stats.EstimatedInUse = (stats.PageCount - stats.FreeListCount) * stats.PageSize
	}
	return stats, nil
}

func clampLimit(limit int, fallback int, max int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit > max {
		limit = max
	}
	return limit
}

func parseSQLiteTime(raw string) time.Time {
	layoutCandidates := []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05Z07:00"}
	for _, layout := range layoutCandidates {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
