// Command seed populates a fresh database with the demo facility: the four
// standard roles, a tenant, a two-level zone tree, entry/transit/exit gates,
// their devices, and a handful of users with credentials. Safe to rerun; it
// skips anything that already exists.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/parkos/backend/internal/config"
	"github.com/parkos/backend/internal/domain"
	"github.com/parkos/backend/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		fatal("config load failed", err)
	}
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		fatal("store open failed", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		fatal("migration failed", err)
	}
	if err := seed(ctx, st); err != nil {
		fatal("seeding failed", err)
	}
	slog.Info("seed complete", "database", cfg.DatabaseURL)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func seed(ctx context.Context, st *store.Store) error {
	roles, err := seedRoles(ctx, st)
	if err != nil {
		return err
	}
	tenant, err := seedTenant(ctx, st)
	if err != nil {
		return err
	}
	zones, err := seedZones(ctx, st)
	if err != nil {
		return err
	}
	gates, err := seedGates(ctx, st, zones)
	if err != nil {
		return err
	}
	if err := seedDevices(ctx, st, gates); err != nil {
		return err
	}
	if err := seedUsers(ctx, st, roles, tenant); err != nil {
		return err
	}
	return st.InitDefaultRules(ctx)
}

func seedRoles(ctx context.Context, st *store.Store) (map[string]int64, error) {
	want := []domain.Role{
		{Name: "Guest", Description: "Pay-per-use visitor", IsBillable: true},
		{Name: "Staff", Description: "Facility staff"},
		{Name: "VIP", Description: "Priority access",
			CanIgnoreCapacity: true, CanIgnoreAntipassback: true, CanIgnoreSchedule: true},
		{Name: domain.BlacklistedRoleName, Description: "Access revoked"},
	}

	existing, err := st.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(want))
	for _, r := range existing {
		byName[r.Name] = r.ID
	}
	for _, r := range want {
		if _, ok := byName[r.Name]; ok {
			continue
		}
		if err := st.CreateRole(ctx, &r); err != nil {
			return nil, err
		}
		byName[r.Name] = r.ID
		slog.Info("role created", "name", r.Name)
	}
	return byName, nil
}

func seedTenant(ctx context.Context, st *store.Store) (int64, error) {
	existing, err := st.ListTenants(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range existing {
		if t.Name == "Acme Logistics" {
			return t.ID, nil
		}
	}
	t := domain.Tenant{Name: "Acme Logistics", QuotaLimit: 10, IsActive: true}
	if err := st.CreateTenant(ctx, &t); err != nil {
		return 0, err
	}
	slog.Info("tenant created", "name", t.Name)
	return t.ID, nil
}

func seedZones(ctx context.Context, st *store.Store) (map[string]int64, error) {
	existing, err := st.ListZones(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(existing))
	for _, z := range existing {
		byName[z.Name] = z.ID
	}

	ensure := func(name string, capacity int, parent *int64) error {
		if _, ok := byName[name]; ok {
			return nil
		}
		z := domain.Zone{Name: name, Capacity: capacity, ParentID: parent}
		if err := st.CreateZone(ctx, &z); err != nil {
			return err
		}
		byName[name] = z.ID
		slog.Info("zone created", "name", name, "capacity", capacity)
		return nil
	}

	if err := ensure("Main Parking", 100, nil); err != nil {
		return nil, err
	}
	mainID := byName["Main Parking"]
	if err := ensure("VIP Section", 10, &mainID); err != nil {
		return nil, err
	}
	return byName, nil
}

func seedGates(ctx context.Context, st *store.Store, zones map[string]int64) (map[string]int64, error) {
	existing, err := st.ListGates(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(existing))
	for _, g := range existing {
		byName[g.Name] = g.ID
	}

	mainID := zones["Main Parking"]
	vipID := zones["VIP Section"]
	want := []domain.Gate{
		{Name: "Main Entry", ZoneToID: &mainID, IsActive: true},
		{Name: "Main Exit", ZoneFromID: &mainID, IsActive: true},
		{Name: "VIP Transit", ZoneFromID: &mainID, ZoneToID: &vipID, IsActive: true},
	}
	for _, g := range want {
		if _, ok := byName[g.Name]; ok {
			continue
		}
		if err := st.CreateGate(ctx, &g); err != nil {
			return nil, err
		}
		byName[g.Name] = g.ID
		slog.Info("gate created", "name", g.Name)
	}
	return byName, nil
}

func seedDevices(ctx context.Context, st *store.Store, gates map[string]int64) error {
	existing, err := st.ListDevices(ctx)
	if err != nil {
		return err
	}
	byIP := make(map[string]bool, len(existing))
	for _, d := range existing {
		byIP[d.IP] = true
	}

	want := []domain.Device{
		{Name: "Entry Scanner", IP: "127.0.0.1", Port: 5005,
			Kind: domain.DeviceKindController, GateID: gates["Main Entry"]},
		{Name: "Exit Scanner", IP: "127.0.0.2", Port: 5005,
			Kind: domain.DeviceKindController, GateID: gates["Main Exit"]},
		{Name: "VIP Scanner", IP: "127.0.0.3", Port: 5005,
			Kind: domain.DeviceKindController, GateID: gates["VIP Transit"]},
	}
	for _, d := range want {
		if byIP[d.IP] {
			continue
		}
		if err := st.CreateDevice(ctx, &d); err != nil {
			return err
		}
		slog.Info("device created", "name", d.Name, "ip", d.IP)
	}
	return nil
}

func seedUsers(ctx context.Context, st *store.Store, roles map[string]int64, tenantID int64) error {
	existing, err := st.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	type demoUser struct {
		user  domain.User
		creds []domain.Credential
	}
	users := []demoUser{
		{
			user: domain.User{FirstName: "Alice", LastName: "Nguyen",
				RoleID: roles["Staff"], IsActive: true},
			creds: []domain.Credential{{Kind: domain.KindRFID, Value: "CARD-001"}},
		},
		{
			user: domain.User{FirstName: "Bob", LastName: "Martinez",
				RoleID: roles["Guest"], TenantID: &tenantID, IsActive: true},
			creds: []domain.Credential{
				{Kind: domain.KindRFID, Value: "CARD-002"},
				{Kind: domain.KindLPR, Value: "B-123-CD"},
			},
		},
		{
			user: domain.User{FirstName: "Vera", LastName: "Ivanova",
				RoleID: roles["VIP"], IsActive: true},
			creds: []domain.Credential{{Kind: domain.KindRFID, Value: "VIP-001"}},
		},
		{
			user: domain.User{FirstName: "Boris", LastName: "Krug",
				RoleID: roles[domain.BlacklistedRoleName], IsActive: true},
			creds: []domain.Credential{{Kind: domain.KindRFID, Value: "CARD-666"}},
		},
	}
	for _, du := range users {
		if err := st.CreateUser(ctx, &du.user, du.creds); err != nil {
			return err
		}
		slog.Info("user created", "name", du.user.FullName())
	}
	return nil
}
