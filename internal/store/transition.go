package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/parkos/backend/internal/domain"
)

// ApplyTransition commits the state change implied by a granted decision:
// occupancy deltas, tenant usage, and session open/update/close, all inside
// one transaction with row locks taken in a fixed order (zones by ascending
// id, then the tenant row, then the active session row).
//
// enforceCapacity mirrors the evaluator's capacity decision: when true, the
// target zone's occupancy is re-read under lock and re-checked against its
// capacity. A concurrent scan that took the last slot makes the re-check
// fail, the transaction rolls back, and ErrZoneFull is returned.
//
// The returned zones are post-commit snapshots of every zone whose occupancy
// changed, for occupancy_update events.
func (s *Store) ApplyTransition(ctx context.Context, sub *Subject, gate *domain.Gate, enforceCapacity bool, now time.Time) ([]domain.Zone, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	zones, err := s.lockZones(ctx, tx, gate)
	if err != nil {
		return nil, err
	}

	var tenant *domain.Tenant
	if sub.Tenant != nil {
		tenant, err = s.lockTenant(ctx, tx, sub.Tenant.ID)
		if err != nil {
			return nil, err
		}
	}

	session, err := s.lockActiveSession(ctx, tx, sub.User.ID)
	if err != nil {
		return nil, err
	}

	var target, source *domain.Zone
	if gate.ZoneToID != nil {
		target = zones[*gate.ZoneToID]
	}
	if gate.ZoneFromID != nil {
		source = zones[*gate.ZoneFromID]
	}

	// Mandatory post-lock re-check: the pre-evaluation read was unlocked.
	if target != nil && enforceCapacity && target.Occupancy >= target.Capacity {
		return nil, ErrZoneFull
	}

	var changed []domain.Zone

	if target != nil {
		target.Occupancy++
		if err := s.updateOccupancy(ctx, tx, target); err != nil {
			return nil, err
		}
		changed = append(changed, *target)

		if gate.IsEntry() {
			if tenant != nil {
				tenant.CurrentUsage++
				if err := s.updateTenantUsage(ctx, tx, tenant); err != nil {
					return nil, err
				}
			}
			if session == nil {
				if err := s.insertSession(ctx, tx, sub, gate, target.ID, now); err != nil {
					return nil, err
				}
			} else if err := s.updateSessionZone(ctx, tx, session.ID, target.ID); err != nil {
				return nil, err
			}
		} else if session != nil {
			// Internal transit: move the session to the new zone.
			if err := s.updateSessionZone(ctx, tx, session.ID, target.ID); err != nil {
				return nil, err
			}
		}
	}

	if source != nil {
		if source.Occupancy > 0 {
			source.Occupancy--
		}
		if err := s.updateOccupancy(ctx, tx, source); err != nil {
			return nil, err
		}
		changed = append(changed, *source)

		if gate.IsExit() {
			if tenant != nil && tenant.CurrentUsage > 0 {
				tenant.CurrentUsage--
				if err := s.updateTenantUsage(ctx, tx, tenant); err != nil {
					return nil, err
				}
			}
			if session != nil {
				if err := s.closeSession(ctx, tx, session.ID, gate.ID, now); err != nil {
					return nil, err
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE credentials SET last_used_at = ? WHERE id = ?`), now, sub.Credential.ID); err != nil {
		return nil, fmt.Errorf("touch credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return changed, nil
}

// lockZones reads and locks every zone the gate touches, in ascending id
// order to keep lock acquisition deadlock-free across concurrent scans.
func (s *Store) lockZones(ctx context.Context, tx *sql.Tx, gate *domain.Gate) (map[int64]*domain.Zone, error) {
	ids := make([]int64, 0, 2)
	seen := map[int64]bool{}
	for _, ref := range []*int64{gate.ZoneFromID, gate.ZoneToID} {
		if ref != nil && !seen[*ref] {
			ids = append(ids, *ref)
			seen[*ref] = true
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	zones := make(map[int64]*domain.Zone, len(ids))
	for _, id := range ids {
		z, err := scanZone(tx.QueryRowContext(ctx, s.rebind(
			`SELECT id, name, capacity, occupancy, parent_zone_id FROM zones WHERE id = ?`+s.forUpdate()), id))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("gate %d references missing zone %d: %w", gate.ID, id, err)
			}
			return nil, err
		}
		zones[id] = z
	}
	return zones, nil
}

func (s *Store) lockTenant(ctx context.Context, tx *sql.Tx, id int64) (*domain.Tenant, error) {
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, quota_limit, current_usage, is_active FROM tenants WHERE id = ?`+s.forUpdate()), id)
	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.QuotaLimit, &t.CurrentUsage, &t.IsActive); err != nil {
		return nil, fmt.Errorf("lock tenant: %w", err)
	}
	return &t, nil
}

func (s *Store) lockActiveSession(ctx context.Context, tx *sql.Tx, userID int64) (*domain.ParkingSession, error) {
	sess, err := scanSession(tx.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, credential_id, entry_gate_id, entry_time,
		       current_zone_id, exit_gate_id, exit_time, total_cost
		FROM parking_sessions WHERE user_id = ? AND exit_time IS NULL`+s.forUpdate()), userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

func (s *Store) updateOccupancy(ctx context.Context, tx *sql.Tx, z *domain.Zone) error {
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE zones SET occupancy = ? WHERE id = ?`), z.Occupancy, z.ID); err != nil {
		return fmt.Errorf("update zone %d occupancy: %w", z.ID, err)
	}
	return nil
}

func (s *Store) updateTenantUsage(ctx context.Context, tx *sql.Tx, t *domain.Tenant) error {
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE tenants SET current_usage = ? WHERE id = ?`), t.CurrentUsage, t.ID); err != nil {
		return fmt.Errorf("update tenant %d usage: %w", t.ID, err)
	}
	return nil
}

func (s *Store) insertSession(ctx context.Context, tx *sql.Tx, sub *Subject, gate *domain.Gate, zoneID int64, now time.Time) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO parking_sessions (user_id, credential_id, entry_gate_id, entry_time, current_zone_id)
		VALUES (?, ?, ?, ?, ?)`),
		sub.User.ID, sub.Credential.ID, gate.ID, now, zoneID); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

func (s *Store) updateSessionZone(ctx context.Context, tx *sql.Tx, sessionID, zoneID int64) error {
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE parking_sessions SET current_zone_id = ? WHERE id = ?`), zoneID, sessionID); err != nil {
		return fmt.Errorf("move session %d: %w", sessionID, err)
	}
	return nil
}

func (s *Store) closeSession(ctx context.Context, tx *sql.Tx, sessionID, gateID int64, now time.Time) error {
	// Billing is stubbed: stays at cost 0 until tariffs land.
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE parking_sessions SET exit_gate_id = ?, exit_time = ?, total_cost = 0
		WHERE id = ?`), gateID, now, sessionID); err != nil {
		return fmt.Errorf("close session %d: %w", sessionID, err)
	}
	return nil
}
