package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/parkos/backend/internal/domain"
)

// Admin surface queries. Everything here backs the REST handlers in
// internal/api; the decision engine never calls into this file.

// --- roles ---

func (s *Store) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, can_ignore_capacity, can_ignore_antipassback,
		       can_ignore_schedule, is_billable
		FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []domain.Role
	for rows.Next() {
		var r domain.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CanIgnoreCapacity,
			&r.CanIgnoreAntipassback, &r.CanIgnoreSchedule, &r.IsBillable); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, r *domain.Role) error {
	err := s.insertReturningID(ctx, `
		INSERT INTO roles (name, description, can_ignore_capacity, can_ignore_antipassback,
		                   can_ignore_schedule, is_billable)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&r.ID, r.Name, r.Description, r.CanIgnoreCapacity, r.CanIgnoreAntipassback,
		r.CanIgnoreSchedule, r.IsBillable)
	if isDuplicateErr(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) UpdateRole(ctx context.Context, r *domain.Role) error {
	return s.execExpectingRow(ctx, `
		UPDATE roles SET name = ?, description = ?, can_ignore_capacity = ?,
		       can_ignore_antipassback = ?, can_ignore_schedule = ?, is_billable = ?
		WHERE id = ?`,
		r.Name, r.Description, r.CanIgnoreCapacity, r.CanIgnoreAntipassback,
		r.CanIgnoreSchedule, r.IsBillable, r.ID)
}

func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	// Users keep a NOT NULL role reference, so the FK rejects deleting a
	// role still in use.
	return s.execExpectingRow(ctx, `DELETE FROM roles WHERE id = ?`, id)
}

// --- tenants ---

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, quota_limit, current_usage, is_active FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.QuotaLimit, &t.CurrentUsage, &t.IsActive); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	err := s.insertReturningID(ctx, `
		INSERT INTO tenants (name, quota_limit, current_usage, is_active)
		VALUES (?, ?, ?, ?)`,
		&t.ID, t.Name, t.QuotaLimit, t.CurrentUsage, t.IsActive)
	if isDuplicateErr(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) UpdateTenant(ctx context.Context, t *domain.Tenant) error {
	return s.execExpectingRow(ctx, `
		UPDATE tenants SET name = ?, quota_limit = ?, current_usage = ?, is_active = ?
		WHERE id = ?`,
		t.Name, t.QuotaLimit, t.CurrentUsage, t.IsActive, t.ID)
}

func (s *Store) DeleteTenant(ctx context.Context, id int64) error {
	return s.execExpectingRow(ctx, `DELETE FROM tenants WHERE id = ?`, id)
}

// --- users and credentials ---

// UserWithCredentials is the admin listing shape: the user plus names of its
// role/tenant and every credential it owns.
type UserWithCredentials struct {
	domain.User
	RoleName    string              `json:"role"`
	TenantName  string              `json:"tenant,omitempty"`
	Credentials []domain.Credential `json:"credentials"`
}

func (s *Store) ListUsers(ctx context.Context) ([]UserWithCredentials, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.first_name, u.last_name, COALESCE(u.email, ''), COALESCE(u.phone_number, ''),
		       u.role_id, u.tenant_id, u.is_active, u.created_at, r.name, COALESCE(t.name, '')
		FROM users u
		JOIN roles r ON r.id = u.role_id
		LEFT JOIN tenants t ON t.id = u.tenant_id
		ORDER BY u.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []UserWithCredentials
	index := map[int64]int{}
	for rows.Next() {
		var u UserWithCredentials
		var tenantID sql.NullInt64
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Phone,
			&u.RoleID, &tenantID, &u.IsActive, &u.CreatedAt, &u.RoleName, &u.TenantName); err != nil {
			return nil, err
		}
		u.TenantID = nullableID(tenantID)
		u.Credentials = []domain.Credential{}
		index[u.ID] = len(users)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	credRows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, cred_type, cred_value, is_active, last_used_at
		FROM credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer credRows.Close()

	for credRows.Next() {
		var c domain.Credential
		var lastUsed sql.NullTime
		if err := credRows.Scan(&c.ID, &c.UserID, &c.Kind, &c.Value, &c.IsActive, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsed = &t
		}
		if i, ok := index[c.UserID]; ok {
			users[i].Credentials = append(users[i].Credentials, c)
		}
	}
	return users, credRows.Err()
}

// CreateUser inserts the user and its credential batch in one transaction.
func (s *Store) CreateUser(ctx context.Context, u *domain.User, creds []domain.Credential) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.insertUserTx(ctx, tx, u); err != nil {
		return err
	}
	for i := range creds {
		creds[i].UserID = u.ID
		if err := s.insertCredentialTx(ctx, tx, &creds[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateUser updates base fields and, when creds is non-nil, replaces the
// credential set wholesale.
func (s *Store) UpdateUser(ctx context.Context, u *domain.User, creds []domain.Credential) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE users SET first_name = ?, last_name = ?, email = ?, phone_number = ?,
		       role_id = ?, tenant_id = ?, is_active = ?
		WHERE id = ?`),
		u.FirstName, u.LastName, u.Email, u.Phone, u.RoleID, nullArg(u.TenantID), u.IsActive, u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if creds != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM credentials WHERE user_id = ?`), u.ID); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}
		for i := range creds {
			creds[i].UserID = u.ID
			if err := s.insertCredentialTx(ctx, tx, &creds[i]); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// DeleteUser removes the user; the FK cascade takes its credentials along.
// Sessions and scan logs keep their rows with nulled references.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.execExpectingRow(ctx, `DELETE FROM users WHERE id = ?`, id)
}

func (s *Store) insertUserTx(ctx context.Context, tx *sql.Tx, u *domain.User) error {
	query := s.rebind(`
		INSERT INTO users (first_name, last_name, email, phone_number, role_id, tenant_id, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	args := []any{u.FirstName, u.LastName, u.Email, u.Phone, u.RoleID, nullArg(u.TenantID), u.IsActive}

	if s.dialect == DialectPostgres {
		return tx.QueryRowContext(ctx, query+` RETURNING id`, args...).Scan(&u.ID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *Store) insertCredentialTx(ctx context.Context, tx *sql.Tx, c *domain.Credential) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO credentials (user_id, cred_type, cred_value, is_active)
		VALUES (?, ?, ?, ?)`),
		c.UserID, string(c.Kind), c.Value, true)
	if isDuplicateErr(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// --- zones ---

// ZoneWithParent is the admin listing shape for zones.
type ZoneWithParent struct {
	domain.Zone
	ParentName string `json:"parent_name"`
}

func (s *Store) ListZones(ctx context.Context) ([]ZoneWithParent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT z.id, z.name, z.capacity, z.occupancy, z.parent_zone_id, COALESCE(p.name, '')
		FROM zones z
		LEFT JOIN zones p ON p.id = z.parent_zone_id
		ORDER BY z.id`)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	var zones []ZoneWithParent
	for rows.Next() {
		var z ZoneWithParent
		var parent sql.NullInt64
		if err := rows.Scan(&z.ID, &z.Name, &z.Capacity, &z.Occupancy, &parent, &z.ParentName); err != nil {
			return nil, err
		}
		z.ParentID = nullableID(parent)
		if z.ParentName == "" {
			z.ParentName = "ROOT (Main Complex)"
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

func (s *Store) CreateZone(ctx context.Context, z *domain.Zone) error {
	if z.Capacity < 0 {
		return fmt.Errorf("zone capacity must not be negative")
	}
	return s.insertReturningID(ctx, `
		INSERT INTO zones (name, capacity, occupancy, parent_zone_id)
		VALUES (?, ?, ?, ?)`,
		&z.ID, z.Name, z.Capacity, z.Occupancy, nullArg(z.ParentID))
}

// UpdateZone rejects reparenting that would make the zone tree cyclic.
func (s *Store) UpdateZone(ctx context.Context, z *domain.Zone) error {
	if z.Capacity < 0 {
		return fmt.Errorf("zone capacity must not be negative")
	}
	if z.ParentID != nil {
		if err := s.checkZoneCycle(ctx, z.ID, *z.ParentID); err != nil {
			return err
		}
	}
	return s.execExpectingRow(ctx, `
		UPDATE zones SET name = ?, capacity = ?, occupancy = ?, parent_zone_id = ?
		WHERE id = ?`,
		z.Name, z.Capacity, z.Occupancy, nullArg(z.ParentID), z.ID)
}

func (s *Store) DeleteZone(ctx context.Context, id int64) error {
	return s.execExpectingRow(ctx, `DELETE FROM zones WHERE id = ?`, id)
}

// checkZoneCycle walks the proposed ancestor chain and fails if it reaches
// the zone being updated.
func (s *Store) checkZoneCycle(ctx context.Context, zoneID, parentID int64) error {
	cur := parentID
	for {
		if cur == zoneID {
			return fmt.Errorf("zone %d cannot be its own ancestor", zoneID)
		}
		var next sql.NullInt64
		err := s.db.QueryRowContext(ctx, s.rebind(
			`SELECT parent_zone_id FROM zones WHERE id = ?`), cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("parent zone %d does not exist", parentID)
		}
		if err != nil {
			return err
		}
		if !next.Valid {
			return nil
		}
		cur = next.Int64
	}
}

// --- gates ---

func (s *Store) ListGates(ctx context.Context) ([]domain.Gate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, zone_from_id, zone_to_id, is_active FROM gates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()

	var gates []domain.Gate
	for rows.Next() {
		var g domain.Gate
		var from, to sql.NullInt64
		if err := rows.Scan(&g.ID, &g.Name, &from, &to, &g.IsActive); err != nil {
			return nil, err
		}
		g.ZoneFromID = nullableID(from)
		g.ZoneToID = nullableID(to)
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

func (s *Store) CreateGate(ctx context.Context, g *domain.Gate) error {
	return s.insertReturningID(ctx, `
		INSERT INTO gates (name, zone_from_id, zone_to_id, is_active)
		VALUES (?, ?, ?, ?)`,
		&g.ID, g.Name, nullArg(g.ZoneFromID), nullArg(g.ZoneToID), g.IsActive)
}

func (s *Store) UpdateGate(ctx context.Context, g *domain.Gate) error {
	return s.execExpectingRow(ctx, `
		UPDATE gates SET name = ?, zone_from_id = ?, zone_to_id = ?, is_active = ?
		WHERE id = ?`,
		g.Name, nullArg(g.ZoneFromID), nullArg(g.ZoneToID), g.IsActive, g.ID)
}

func (s *Store) DeleteGate(ctx context.Context, id int64) error {
	return s.execExpectingRow(ctx, `DELETE FROM gates WHERE id = ?`, id)
}

// ActiveGateRuleKinds lists enabled GATE-scope rule kinds for one gate, for
// the enriched gate listing.
func (s *Store) ActiveGateRuleKinds(ctx context.Context, gateID int64) ([]domain.RuleKind, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT rule_type FROM validation_rules
		WHERE is_enabled AND scope = 'GATE' AND target_id = ?`), gateID)
	if err != nil {
		return nil, fmt.Errorf("gate rules: %w", err)
	}
	defer rows.Close()

	var kinds []domain.RuleKind
	for rows.Next() {
		var k domain.RuleKind
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}

// --- devices ---

// DeviceWithGate is the admin listing shape for devices.
type DeviceWithGate struct {
	domain.Device
	GateName string `json:"gate_name"`
}

func (s *Store) ListDevices(ctx context.Context) ([]DeviceWithGate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.ip_address, d.port, d.device_type, COALESCE(d.config, ''),
		       d.gate_id, COALESCE(g.name, 'Unassigned')
		FROM devices d
		LEFT JOIN gates g ON g.id = d.gate_id
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceWithGate
	for rows.Next() {
		var d DeviceWithGate
		if err := rows.Scan(&d.ID, &d.Name, &d.IP, &d.Port, &d.Kind, &d.Config, &d.GateID, &d.GateName); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *Store) CreateDevice(ctx context.Context, d *domain.Device) error {
	err := s.insertReturningID(ctx, `
		INSERT INTO devices (name, ip_address, port, device_type, config, gate_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&d.ID, d.Name, d.IP, d.Port, d.Kind, d.Config, d.GateID)
	if isDuplicateErr(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) UpdateDevice(ctx context.Context, d *domain.Device) error {
	err := s.execExpectingRow(ctx, `
		UPDATE devices SET name = ?, ip_address = ?, port = ?, device_type = ?, config = ?, gate_id = ?
		WHERE id = ?`,
		d.Name, d.IP, d.Port, d.Kind, d.Config, d.GateID, d.ID)
	if isDuplicateErr(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	return s.execExpectingRow(ctx, `DELETE FROM devices WHERE id = ?`, id)
}

// ControllerForGate finds the device the override path commands. Prefers an
// explicit controller, falls back to any device on the gate.
func (s *Store) ControllerForGate(ctx context.Context, gateID int64) (*domain.Device, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, ip_address, port, device_type, COALESCE(config, ''), gate_id
		FROM devices WHERE gate_id = ?
		ORDER BY CASE WHEN device_type = ? THEN 0 ELSE 1 END, id
		LIMIT 1`), gateID, domain.DeviceKindController)

	var d domain.Device
	if err := row.Scan(&d.ID, &d.Name, &d.IP, &d.Port, &d.Kind, &d.Config, &d.GateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("controller for gate: %w", err)
	}
	return &d, nil
}

// CountDevices backs the dashboard hardware summary.
func (s *Store) CountDevices(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n)
	return n, err
}

// --- validation rules ---

func (s *Store) ListRules(ctx context.Context) ([]domain.ValidationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, rule_type, target_id, is_enabled, COALESCE(custom_params, '')
		FROM validation_rules ORDER BY rule_type, id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
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

func (s *Store) CreateRule(ctx context.Context, r *domain.ValidationRule) error {
	if err := r.Target.Validate(); err != nil {
		return err
	}
	return s.insertReturningID(ctx, `
		INSERT INTO validation_rules (scope, rule_type, target_id, is_enabled, custom_params)
		VALUES (?, ?, ?, ?, ?)`,
		&r.ID, string(r.Target.Scope), string(r.Kind), nullArg(r.Target.ID), r.Enabled, r.Params)
}

// ToggleRule flips a rule's enabled flag and returns the new state.
func (s *Store) ToggleRule(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE validation_rules SET is_enabled = NOT is_enabled WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("toggle rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	var enabled bool
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT is_enabled FROM validation_rules WHERE id = ?`), id).Scan(&enabled)
	return enabled, err
}

// InitDefaultRules creates the default global anti-passback and blacklist
// rules when missing. Idempotent.
func (s *Store) InitDefaultRules(ctx context.Context) error {
	for _, kind := range []domain.RuleKind{domain.RuleAntipassback, domain.RuleBlacklist} {
		var n int
		err := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT COUNT(*) FROM validation_rules WHERE rule_type = ? AND scope = 'GLOBAL'`),
			string(kind)).Scan(&n)
		if err != nil {
			return fmt.Errorf("check default rule: %w", err)
		}
		if n > 0 {
			continue
		}
		rule := domain.ValidationRule{Kind: kind, Target: domain.GlobalTarget(), Enabled: true}
		if err := s.CreateRule(ctx, &rule); err != nil {
			return err
		}
	}
	return nil
}

// --- shared helpers ---

func (s *Store) insertReturningID(ctx context.Context, query string, id *int64, args ...any) error {
	query = s.rebind(query)
	if s.dialect == DialectPostgres {
		if err := s.db.QueryRowContext(ctx, query+` RETURNING id`, args...).Scan(id); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	*id, err = res.LastInsertId()
	return err
}

func (s *Store) execExpectingRow(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("exec: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
