package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/parkos/backend/internal/domain"
)

// Subject bundles everything the evaluator needs to know about the holder of
// a scanned credential. Tenant is nil for users without one.
type Subject struct {
	User       domain.User
	Role       domain.Role
	Tenant     *domain.Tenant
	Credential domain.Credential
}

// DeviceByIP resolves the sending device from a connection's peer address.
func (s *Store) DeviceByIP(ctx context.Context, ip string) (*domain.Device, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, ip_address, port, device_type, COALESCE(config, ''), gate_id
		 FROM devices WHERE ip_address = ?`), ip)

	var d domain.Device
	if err := row.Scan(&d.ID, &d.Name, &d.IP, &d.Port, &d.Kind, &d.Config, &d.GateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("device by ip: %w", err)
	}
	return &d, nil
}

// GateByID loads a gate with its directional zone references.
func (s *Store) GateByID(ctx context.Context, id int64) (*domain.Gate, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, zone_from_id, zone_to_id, is_active FROM gates WHERE id = ?`), id)

	var g domain.Gate
	var from, to sql.NullInt64
	if err := row.Scan(&g.ID, &g.Name, &from, &to, &g.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gate by id: %w", err)
	}
	g.ZoneFromID = nullableID(from)
	g.ZoneToID = nullableID(to)
	return &g, nil
}

// ZoneByID loads one zone row.
func (s *Store) ZoneByID(ctx context.Context, id int64) (*domain.Zone, error) {
	return scanZone(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, capacity, occupancy, parent_zone_id FROM zones WHERE id = ?`), id))
}

// ResolveCredential matches an active credential by kind and raw value and
// loads its user, role, and optional tenant in one round trip.
func (s *Store) ResolveCredential(ctx context.Context, kind domain.CredentialKind, value string) (*Subject, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT c.id, c.user_id, c.cred_type, c.cred_value, c.is_active, c.last_used_at,
		       u.id, u.first_name, u.last_name, COALESCE(u.email, ''), COALESCE(u.phone_number, ''),
		       u.role_id, u.tenant_id, u.is_active, u.created_at,
		       r.id, r.name, r.description, r.can_ignore_capacity, r.can_ignore_antipassback,
		       r.can_ignore_schedule, r.is_billable,
		       t.id, t.name, t.quota_limit, t.current_usage, t.is_active
		FROM credentials c
		JOIN users u ON u.id = c.user_id
		JOIN roles r ON r.id = u.role_id
		LEFT JOIN tenants t ON t.id = u.tenant_id
		WHERE c.cred_type = ? AND c.cred_value = ? AND c.is_active`), string(kind), value)

	var sub Subject
	var lastUsed sql.NullTime
	var tenantID sql.NullInt64
	var tID sql.NullInt64
	var tName sql.NullString
	var tQuota, tUsage sql.NullInt64
	var tActive sql.NullBool

	err := row.Scan(
		&sub.Credential.ID, &sub.Credential.UserID, &sub.Credential.Kind,
		&sub.Credential.Value, &sub.Credential.IsActive, &lastUsed,
		&sub.User.ID, &sub.User.FirstName, &sub.User.LastName, &sub.User.Email, &sub.User.Phone,
		&sub.User.RoleID, &tenantID, &sub.User.IsActive, &sub.User.CreatedAt,
		&sub.Role.ID, &sub.Role.Name, &sub.Role.Description, &sub.Role.CanIgnoreCapacity,
		&sub.Role.CanIgnoreAntipassback, &sub.Role.CanIgnoreSchedule, &sub.Role.IsBillable,
		&tID, &tName, &tQuota, &tUsage, &tActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	if lastUsed.Valid {
		t := lastUsed.Time
		sub.Credential.LastUsed = &t
	}
	sub.User.TenantID = nullableID(tenantID)
	if tID.Valid {
		sub.Tenant = &domain.Tenant{
			ID:           tID.Int64,
			Name:         tName.String,
			QuotaLimit:   int(tQuota.Int64),
			CurrentUsage: int(tUsage.Int64),
			IsActive:     tActive.Bool,
		}
	}
	return &sub, nil
}

// ActiveSession returns the user's open parking session, or nil when the
// user is not inside.
func (s *Store) ActiveSession(ctx context.Context, userID int64) (*domain.ParkingSession, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, credential_id, entry_gate_id, entry_time,
		       current_zone_id, exit_gate_id, exit_time, total_cost
		FROM parking_sessions WHERE user_id = ? AND exit_time IS NULL`), userID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// ApplicableRules returns every enabled rule whose scope matches the scan:
// global rules, rules targeting the gate, rules targeting the target zone
// (when entering one), and rules targeting the subject's role.
func (s *Store) ApplicableRules(ctx context.Context, gateID int64, zoneID, roleID *int64) ([]domain.ValidationRule, error) {
	query := `SELECT id, scope, rule_type, target_id, is_enabled, COALESCE(custom_params, '')
		FROM validation_rules
		WHERE is_enabled AND (scope = 'GLOBAL' OR (scope = 'GATE' AND target_id = ?)`
	args := []any{gateID}

	if zoneID != nil {
		query += ` OR (scope = 'ZONE' AND target_id = ?)`
		args = append(args, *zoneID)
	}
	if roleID != nil {
		query += ` OR (scope = 'ROLE' AND target_id = ?)`
		args = append(args, *roleID)
	}
	query += `)`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("applicable rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.ValidationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func nullableID(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func scanZone(row rowScanner) (*domain.Zone, error) {
	var z domain.Zone
	var parent sql.NullInt64
	if err := row.Scan(&z.ID, &z.Name, &z.Capacity, &z.Occupancy, &parent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan zone: %w", err)
	}
	z.ParentID = nullableID(parent)
	return &z, nil
}

func scanSession(row rowScanner) (*domain.ParkingSession, error) {
	var sess domain.ParkingSession
	var userID, credID, entryGate sql.NullInt64
	var currentZone, exitGate sql.NullInt64
	var exitTime sql.NullTime

	err := row.Scan(&sess.ID, &userID, &credID, &entryGate, &sess.EntryTime,
		&currentZone, &exitGate, &exitTime, &sess.TotalCost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.UserID = userID.Int64
	sess.CredentialID = credID.Int64
	sess.EntryGateID = entryGate.Int64
	sess.CurrentZone = nullableID(currentZone)
	sess.ExitGateID = nullableID(exitGate)
	if exitTime.Valid {
		t := exitTime.Time
		sess.ExitTime = &t
	}
	return &sess, nil
}

func scanRule(row rowScanner) (*domain.ValidationRule, error) {
	var r domain.ValidationRule
	var target sql.NullInt64
	if err := row.Scan(&r.ID, &r.Target.Scope, &r.Kind, &target, &r.Enabled, &r.Params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.Target.ID = nullableID(target)
	return &r, nil
}
