package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parkos/backend/internal/domain"
)

// ScanLogEntry is a scan log row joined with the resolved user's name, as
// served by the dashboard log feed.
type ScanLogEntry struct {
	domain.ScanLog
	UserName string `json:"user"`
}

// InsertScanLog appends one audit row. Rows are write-once: nothing in the
// codebase updates or deletes them.
func (s *Store) InsertScanLog(ctx context.Context, log *domain.ScanLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	var reason any
	if log.DenialReason != "" {
		reason = string(log.DenialReason)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scan_logs (created_at, gate_id, gate_name_snapshot, scan_type, raw_payload,
		                       is_access_granted, denial_reason, resolved_user_id, resolved_tenant_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		log.CreatedAt, nullArg(log.GateID), log.GateName, string(log.ScanKind), log.RawPayload,
		log.Granted, reason, nullArg(log.UserID), nullArg(log.TenantID))
	if err != nil {
		return fmt.Errorf("insert scan log: %w", err)
	}
	return nil
}

// RecentScanLogs returns the newest rows for the dashboard, resolved user
// names included. Unknown credentials list as "Unknown".
func (s *Store) RecentScanLogs(ctx context.Context, limit int) ([]ScanLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT l.id, l.created_at, l.gate_id, l.gate_name_snapshot, l.scan_type, l.raw_payload,
		       l.is_access_granted, COALESCE(l.denial_reason, ''), l.resolved_user_id, l.resolved_tenant_id,
		       COALESCE(u.first_name, ''), COALESCE(u.last_name, '')
		FROM scan_logs l
		LEFT JOIN users u ON u.id = l.resolved_user_id
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent scan logs: %w", err)
	}
	defer rows.Close()

	var logs []ScanLogEntry
	for rows.Next() {
		var e ScanLogEntry
		var gateID, userID, tenantID sql.NullInt64
		var first, last string
		if err := rows.Scan(&e.ID, &e.CreatedAt, &gateID, &e.GateName, &e.ScanKind, &e.RawPayload,
			&e.Granted, &e.DenialReason, &userID, &tenantID, &first, &last); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.GateID = nullableID(gateID)
		e.UserID = nullableID(userID)
		e.TenantID = nullableID(tenantID)
		e.UserName = "Unknown"
		if userID.Valid {
			e.UserName = first + " " + last
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// CountScanLogs supports audit-completeness assertions in tests.
func (s *Store) CountScanLogs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_logs`).Scan(&n)
	return n, err
}

func nullArg(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
