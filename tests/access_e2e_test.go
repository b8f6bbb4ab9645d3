// Package tests exercises the full decision pipeline end to end: debounce,
// rule evaluation, the transactional state transition, audit logging, and
// event emission, against a real in-memory database.
package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkos/backend/internal/debounce"
	"github.com/parkos/backend/internal/domain"
	"github.com/parkos/backend/internal/engine"
	"github.com/parkos/backend/internal/events"
	"github.com/parkos/backend/internal/store"
)

// fakeOpener records hardware open commands instead of dialing.
type fakeOpener struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeOpener) Open(_ context.Context, ip string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ip)
	return nil
}

func (f *fakeOpener) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// facility is the seeded test world shared by the scenarios.
type facility struct {
	st     *store.Store
	eng    *engine.Engine
	bus    *events.LocalBus
	opener *fakeOpener

	guestRole, staffRole, vipRole, blacklistRole int64
	tenantID                                     int64
	mainZone, vipZone                            int64
	entryGate, exitGate, transitGate             int64
}

// newFacility builds a fresh store with the demo topology: a 100-slot main
// zone with a 2-slot VIP section, entry/exit/transit gates, and the global
// capacity, anti-passback, and blacklist rules enabled.
func newFacility(t *testing.T, window time.Duration) *facility {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	f := &facility{st: st, bus: events.NewLocalBus(), opener: &fakeOpener{}}
	t.Cleanup(func() { f.bus.Close() })

	role := func(r domain.Role) int64 {
		require.NoError(t, st.CreateRole(ctx, &r))
		return r.ID
	}
	f.guestRole = role(domain.Role{Name: "Guest", IsBillable: true})
	f.staffRole = role(domain.Role{Name: "Staff"})
	f.vipRole = role(domain.Role{Name: "VIP", CanIgnoreCapacity: true, CanIgnoreAntipassback: true})
	f.blacklistRole = role(domain.Role{Name: domain.BlacklistedRoleName})

	tenant := domain.Tenant{Name: "Acme Logistics", QuotaLimit: 2, IsActive: true}
	require.NoError(t, st.CreateTenant(ctx, &tenant))
	f.tenantID = tenant.ID

	main := domain.Zone{Name: "Main Parking", Capacity: 100}
	require.NoError(t, st.CreateZone(ctx, &main))
	f.mainZone = main.ID
	vip := domain.Zone{Name: "VIP Section", Capacity: 2, ParentID: &main.ID}
	require.NoError(t, st.CreateZone(ctx, &vip))
	f.vipZone = vip.ID

	gate := func(g domain.Gate) int64 {
		require.NoError(t, st.CreateGate(ctx, &g))
		return g.ID
	}
	f.entryGate = gate(domain.Gate{Name: "Main Entry", ZoneToID: &f.mainZone, IsActive: true})
	f.exitGate = gate(domain.Gate{Name: "Main Exit", ZoneFromID: &f.mainZone, IsActive: true})
	f.transitGate = gate(domain.Gate{Name: "VIP Transit", ZoneFromID: &f.mainZone, ZoneToID: &f.vipZone, IsActive: true})

	for _, kind := range []domain.RuleKind{domain.RuleCapacity, domain.RuleAntipassback, domain.RuleBlacklist} {
		rule := domain.ValidationRule{Kind: kind, Target: domain.GlobalTarget(), Enabled: true}
		require.NoError(t, st.CreateRule(ctx, &rule))
	}

	f.eng = engine.New(st, debounce.New(window), f.bus, f.opener)
	return f
}

// addUser creates a user with one RFID credential and returns the user ID.
func (f *facility) addUser(t *testing.T, first, last string, roleID int64, tenantID *int64, card string) int64 {
	t.Helper()
	u := domain.User{FirstName: first, LastName: last, RoleID: roleID, TenantID: tenantID, IsActive: true}
	creds := []domain.Credential{{Kind: domain.KindRFID, Value: card}}
	require.NoError(t, f.st.CreateUser(context.Background(), &u, creds))
	return u.ID
}

func (f *facility) scan(gateID int64, card string) engine.Result {
	return f.eng.HandleScan(context.Background(), gateID, domain.KindRFID, card)
}

func (f *facility) occupancy(t *testing.T, zoneID int64) int {
	t.Helper()
	z, err := f.st.ZoneByID(context.Background(), zoneID)
	require.NoError(t, err)
	return z.Occupancy
}

func (f *facility) tenantUsage(t *testing.T) int {
	t.Helper()
	tenants, err := f.st.ListTenants(context.Background())
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	return tenants[0].CurrentUsage
}

func (f *facility) lastLog(t *testing.T) store.ScanLogEntry {
	t.Helper()
	logs, err := f.st.RecentScanLogs(context.Background(), 1)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	return logs[0]
}

func TestEntry_GrantedCreatesSessionAndCountsOccupancy(t *testing.T) {
	f := newFacility(t, time.Minute)
	userID := f.addUser(t, "Alice", "Nguyen", f.guestRole, &f.tenantID, "CARD-001")

	res := f.scan(f.entryGate, "CARD-001")
	assert.True(t, res.Allow)
	assert.Equal(t, domain.ReasonGranted, res.Reason)
	assert.Equal(t, "Alice Nguyen", res.UserName)

	assert.Equal(t, 1, f.occupancy(t, f.mainZone))
	assert.Equal(t, 1, f.tenantUsage(t))

	sess, err := f.st.ActiveSession(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, sess.CurrentZone)
	assert.Equal(t, f.mainZone, *sess.CurrentZone)

	entry := f.lastLog(t)
	assert.True(t, entry.Granted)
	assert.Equal(t, domain.ReasonGranted, entry.DenialReason)
	assert.Equal(t, "Main Entry", entry.GateName)
}

func TestEntry_DuplicateScanSuppressedWithoutAudit(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")

	first := f.scan(f.entryGate, "CARD-001")
	require.True(t, first.Allow)
	before, err := f.st.CountScanLogs(context.Background())
	require.NoError(t, err)

	second := f.scan(f.entryGate, "CARD-001")
	assert.False(t, second.Allow)
	assert.Equal(t, domain.ReasonDuplicateScan, second.Reason)

	after, err := f.st.CountScanLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after, "suppressed duplicates leave no audit row")
	assert.Equal(t, 1, f.occupancy(t, f.mainZone))
}

func TestEntry_SecondEntryAfterWindowIsAntipassback(t *testing.T) {
	f := newFacility(t, time.Millisecond)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")

	require.True(t, f.scan(f.entryGate, "CARD-001").Allow)
	time.Sleep(5 * time.Millisecond)

	res := f.scan(f.entryGate, "CARD-001")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonAlreadyInside, res.Reason)
	assert.Equal(t, 1, f.occupancy(t, f.mainZone), "denied scan must not change occupancy")
}

func TestExit_WithoutEntryRecordDenied(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")

	res := f.scan(f.exitGate, "CARD-001")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonNoEntryRecord, res.Reason)
}

func TestRoundTrip_ExitRestoresAllCounters(t *testing.T) {
	f := newFacility(t, time.Millisecond)
	userID := f.addUser(t, "Bob", "Martinez", f.guestRole, &f.tenantID, "CARD-002")

	require.True(t, f.scan(f.entryGate, "CARD-002").Allow)
	time.Sleep(5 * time.Millisecond)
	res := f.scan(f.exitGate, "CARD-002")
	require.True(t, res.Allow)

	assert.Equal(t, 0, f.occupancy(t, f.mainZone))
	assert.Equal(t, 0, f.tenantUsage(t))

	sess, err := f.st.ActiveSession(context.Background(), userID)
	require.NoError(t, err)
	assert.Nil(t, sess, "round trip must close the session")
}

func TestCapacity_FullZoneDeniesGuestButNotVIP(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")
	f.addUser(t, "Vera", "Ivanova", f.vipRole, nil, "VIP-001")

	// Fill the main zone to capacity directly.
	ctx := context.Background()
	z, err := f.st.ZoneByID(ctx, f.mainZone)
	require.NoError(t, err)
	z.Occupancy = z.Capacity
	require.NoError(t, f.st.UpdateZone(ctx, z))

	res := f.scan(f.entryGate, "CARD-001")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonZoneFull, res.Reason)

	// The capacity-exempt role still gets in, pushing occupancy past capacity.
	res = f.scan(f.entryGate, "VIP-001")
	assert.True(t, res.Allow)
	assert.Equal(t, z.Capacity+1, f.occupancy(t, f.mainZone))
}

func TestTransit_MovesBetweenZonesWithoutTouchingTenant(t *testing.T) {
	f := newFacility(t, time.Millisecond)
	userID := f.addUser(t, "Bob", "Martinez", f.guestRole, &f.tenantID, "CARD-002")

	require.True(t, f.scan(f.entryGate, "CARD-002").Allow)
	time.Sleep(5 * time.Millisecond)
	res := f.scan(f.transitGate, "CARD-002")
	require.True(t, res.Allow)

	assert.Equal(t, 0, f.occupancy(t, f.mainZone))
	assert.Equal(t, 1, f.occupancy(t, f.vipZone))
	assert.Equal(t, 1, f.tenantUsage(t), "transit must not change tenant usage")

	sess, err := f.st.ActiveSession(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, sess.CurrentZone)
	assert.Equal(t, f.vipZone, *sess.CurrentZone)
}

func TestTransit_FromOutsideSourceZoneDenied(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")

	// Never entered: the transit gate requires presence in its source zone.
	res := f.scan(f.transitGate, "CARD-001")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonWrongZone, res.Reason)
}

func TestBlacklist_DeniedAtEveryGate(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Boris", "Krug", f.blacklistRole, nil, "CARD-666")

	res := f.scan(f.entryGate, "CARD-666")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonBlacklisted, res.Reason)
	assert.Equal(t, 0, f.occupancy(t, f.mainZone))
}

func TestTenantQuota_ExceededDeniesEntry(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Bob", "Martinez", f.guestRole, &f.tenantID, "CARD-002")
	f.addUser(t, "Carol", "Diaz", f.guestRole, &f.tenantID, "CARD-003")
	f.addUser(t, "Dan", "Okafor", f.guestRole, &f.tenantID, "CARD-004")

	require.True(t, f.scan(f.entryGate, "CARD-002").Allow)
	require.True(t, f.scan(f.entryGate, "CARD-003").Allow)

	// Quota is 2; the third vehicle of the tenant is turned away.
	res := f.scan(f.entryGate, "CARD-004")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonTenantQuotaExceeded, res.Reason)
	assert.Equal(t, 2, f.tenantUsage(t))
}

func TestUnknownCredential_AuditedAndDenied(t *testing.T) {
	f := newFacility(t, time.Minute)

	res := f.scan(f.entryGate, "NO-SUCH-CARD")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonUnknownCredential, res.Reason)

	entry := f.lastLog(t)
	assert.False(t, entry.Granted)
	assert.Equal(t, domain.ReasonUnknownCredential, entry.DenialReason)
	assert.Equal(t, "NO-SUCH-CARD", entry.RawPayload)
	assert.Equal(t, "Unknown", entry.UserName)
}

func TestUnknownGate_AuditedAndDenied(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")

	res := f.scan(9999, "CARD-001")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonUnknownGate, res.Reason)

	entry := f.lastLog(t)
	assert.Equal(t, "UNKNOWN", entry.GateName)
	assert.Nil(t, entry.GateID)
}

func TestInactiveCredentialResolvesAsUnknown(t *testing.T) {
	f := newFacility(t, time.Minute)
	userID := f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")

	// Deactivate the credential via the admin replace-all update.
	u := domain.User{ID: userID, FirstName: "Alice", LastName: "Nguyen", RoleID: f.guestRole, IsActive: true}
	require.NoError(t, f.st.UpdateUser(context.Background(), &u, []domain.Credential{}))

	res := f.scan(f.entryGate, "CARD-001")
	assert.Equal(t, domain.ReasonUnknownCredential, res.Reason)
}

func TestAuditCompleteness_EveryConcludedScanWritesOneRow(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")
	f.addUser(t, "Boris", "Krug", f.blacklistRole, nil, "CARD-666")

	f.scan(f.entryGate, "CARD-001")    // granted
	f.scan(f.entryGate, "CARD-666")    // blacklisted
	f.scan(f.entryGate, "NO-SUCH")     // unknown credential
	f.scan(9999, "CARD-666")           // unknown gate
	f.scan(f.entryGate, "CARD-001")    // duplicate: suppressed, no row

	n, err := f.st.CountScanLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestFeedEvents_EmittedForDecisions(t *testing.T) {
	f := newFacility(t, time.Minute)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")

	access := make(chan *events.Event, 4)
	occupancy := make(chan *events.Event, 4)
	f.bus.Subscribe(events.TypeAccessLog, func(_ context.Context, ev *events.Event) { access <- ev })
	f.bus.Subscribe(events.TypeOccupancyUpdate, func(_ context.Context, ev *events.Event) { occupancy <- ev })

	require.True(t, f.scan(f.entryGate, "CARD-001").Allow)

	select {
	case ev := <-access:
		payload, ok := ev.Payload.(events.AccessLogPayload)
		require.True(t, ok)
		assert.Equal(t, "ALLOWED", payload.Status)
		assert.Equal(t, "Alice Nguyen", payload.UserName)
	case <-time.After(2 * time.Second):
		t.Fatal("no access_log event")
	}
	select {
	case ev := <-occupancy:
		payload, ok := ev.Payload.(events.OccupancyPayload)
		require.True(t, ok)
		assert.Equal(t, 1, payload.Current)
	case <-time.After(2 * time.Second):
		t.Fatal("no occupancy_update event")
	}
}

func TestManualOpen_CommandsHardwareWithoutMutatingState(t *testing.T) {
	f := newFacility(t, time.Minute)
	ctx := context.Background()

	dev := domain.Device{Name: "Entry Controller", IP: "10.0.0.5", Port: 5005,
		Kind: domain.DeviceKindController, GateID: f.entryGate}
	require.NoError(t, f.st.CreateDevice(ctx, &dev))

	require.NoError(t, f.eng.ManualOpen(ctx, f.entryGate))
	assert.Equal(t, 1, f.opener.count())

	assert.Equal(t, 0, f.occupancy(t, f.mainZone), "override must not touch occupancy")

	entry := f.lastLog(t)
	assert.True(t, entry.Granted)
	assert.Equal(t, domain.ReasonManualOpen, entry.DenialReason)
	assert.Equal(t, "MANUAL_OVERRIDE", entry.RawPayload)
}

func TestManualOpen_FailsWithoutController(t *testing.T) {
	f := newFacility(t, time.Minute)
	err := f.eng.ManualOpen(context.Background(), f.entryGate)
	assert.ErrorContains(t, err, "no controller")
}

func TestFullZone_DeniesZoneFullBeforeAntipassback(t *testing.T) {
	f := newFacility(t, time.Millisecond)
	f.addUser(t, "Alice", "Nguyen", f.guestRole, nil, "CARD-001")

	ctx := context.Background()
	require.True(t, f.scan(f.entryGate, "CARD-001").Allow)
	time.Sleep(5 * time.Millisecond)

	z, err := f.st.ZoneByID(ctx, f.mainZone)
	require.NoError(t, err)
	z.Occupancy = z.Capacity
	require.NoError(t, f.st.UpdateZone(ctx, z))

	// Already inside AND the zone is full: capacity outranks anti-passback.
	res := f.scan(f.entryGate, "CARD-001")
	assert.False(t, res.Allow)
	assert.Equal(t, domain.ReasonZoneFull, res.Reason)
}

func TestCapacityRace_TwoSlotsFiveCars(t *testing.T) {
	f := newFacility(t, time.Minute)

	cards := []string{"CARD-101", "CARD-102", "CARD-103", "CARD-104", "CARD-105"}
	names := []string{"Ana", "Ben", "Cho", "Dee", "Eli"}
	for i, card := range cards {
		f.addUser(t, names[i], "Driver", f.guestRole, nil, card)
	}

	// Two slots left.
	ctx := context.Background()
	z, err := f.st.ZoneByID(ctx, f.mainZone)
	require.NoError(t, err)
	z.Occupancy = z.Capacity - 2
	require.NoError(t, f.st.UpdateZone(ctx, z))

	var wg sync.WaitGroup
	results := make([]engine.Result, len(cards))
	for i, card := range cards {
		wg.Add(1)
		go func(i int, card string) {
			defer wg.Done()
			results[i] = f.scan(f.entryGate, card)
		}(i, card)
	}
	wg.Wait()

	granted := 0
	for _, r := range results {
		if r.Allow {
			granted++
		} else {
			assert.Equal(t, domain.ReasonZoneFull, r.Reason)
		}
	}
	assert.Equal(t, 2, granted, "two slots admit exactly two vehicles")
	assert.Equal(t, z.Capacity, f.occupancy(t, f.mainZone))
}
