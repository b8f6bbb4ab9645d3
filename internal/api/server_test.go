package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkos/backend/internal/debounce"
	"github.com/parkos/backend/internal/domain"
	"github.com/parkos/backend/internal/engine"
	"github.com/parkos/backend/internal/events"
	"github.com/parkos/backend/internal/store"
)

func newTestAPI(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	bus := events.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	eng := engine.New(st, debounce.New(0), bus, nil)
	return NewServer(st, eng, nil), st
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestAPI(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
}

func TestRoleCRUD(t *testing.T) {
	srv, _ := newTestAPI(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/roles", domain.Role{Name: "Staff"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	// Duplicate name conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/api/roles", domain.Role{Name: "Staff"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing name is a bad request.
	rec = doJSON(t, srv, http.MethodPost, "/api/roles", domain.Role{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	created.CanIgnoreCapacity = true
	rec = doJSON(t, srv, http.MethodPut, "/api/roles/1", created)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roles []domain.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	require.Len(t, roles, 1)
	assert.True(t, roles[0].CanIgnoreCapacity)

	rec = doJSON(t, srv, http.MethodDelete, "/api/roles/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodDelete, "/api/roles/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateGateRequiresAZoneSide(t *testing.T) {
	srv, st := newTestAPI(t)
	z := domain.Zone{Name: "Main Parking", Capacity: 10}
	require.NoError(t, st.CreateZone(context.Background(), &z))

	rec := doJSON(t, srv, http.MethodPost, "/api/infra/gates", domain.Gate{Name: "Floating Gate"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/infra/gates",
		domain.Gate{Name: "Main Entry", ZoneToID: &z.ID, IsActive: true})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRuleToggleAndInit(t *testing.T) {
	srv, _ := newTestAPI(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/rules/init", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/rules", nil)
	var rules []domain.ValidationRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 2, "init seeds anti-passback and blacklist")

	rec = doJSON(t, srv, http.MethodPost, "/api/rules/1/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggled))
	assert.Equal(t, false, toggled["is_enabled"])

	// Rerunning init must not duplicate the defaults.
	rec = doJSON(t, srv, http.MethodPost, "/api/rules/init", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/api/rules", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Len(t, rules, 2)
}

func TestCreateRuleValidatesTarget(t *testing.T) {
	srv, _ := newTestAPI(t)

	// Zone-scoped rule without a target id is rejected.
	rec := doJSON(t, srv, http.MethodPost, "/api/rules", map[string]any{
		"rule_type": "CHECK_CAPACITY",
		"target":    map[string]any{"scope": "ZONE"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboardStatsBuildsZoneTree(t *testing.T) {
	srv, st := newTestAPI(t)
	ctx := context.Background()

	main := domain.Zone{Name: "Main Parking", Capacity: 100, Occupancy: 25}
	require.NoError(t, st.CreateZone(ctx, &main))
	vip := domain.Zone{Name: "VIP Section", Capacity: 10, Occupancy: 5, ParentID: &main.ID}
	require.NoError(t, st.CreateZone(ctx, &vip))

	rec := doJSON(t, srv, http.MethodGet, "/api/gates/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Zones []struct {
			Name        string `json:"name"`
			PercentFull float64 `json:"percent_full"`
			Children    []struct {
				Name string `json:"name"`
			} `json:"children"`
		} `json:"zones"`
		TotalScans  int `json:"total_scans"`
		DeviceCount int `json:"device_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Zones, 1)
	assert.Equal(t, "Main Parking", body.Zones[0].Name)
	assert.InDelta(t, 25.0, body.Zones[0].PercentFull, 0.01)
	require.Len(t, body.Zones[0].Children, 1)
	assert.Equal(t, "VIP Section", body.Zones[0].Children[0].Name)
}

func TestEnrichedGatesListing(t *testing.T) {
	srv, st := newTestAPI(t)
	ctx := context.Background()

	z := domain.Zone{Name: "Main Parking", Capacity: 100}
	require.NoError(t, st.CreateZone(ctx, &z))
	g := domain.Gate{Name: "Main Entry", ZoneToID: &z.ID, IsActive: true}
	require.NoError(t, st.CreateGate(ctx, &g))
	rule := domain.ValidationRule{Kind: domain.RuleCapacity, Target: domain.GateTarget(g.ID), Enabled: true}
	require.NoError(t, st.CreateRule(ctx, &rule))

	rec := doJSON(t, srv, http.MethodGet, "/api/gates", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var gates []struct {
		Name        string   `json:"name"`
		ZoneToName  string   `json:"zone_to_name"`
		Direction   string   `json:"direction"`
		ActiveRules []string `json:"active_rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gates))
	require.Len(t, gates, 1)
	assert.Equal(t, "Main Parking", gates[0].ZoneToName)
	assert.Equal(t, "ENTRY", gates[0].Direction)
	assert.Equal(t, []string{"CHECK_CAPACITY"}, gates[0].ActiveRules)
}

func TestUserCreateWithCredentials(t *testing.T) {
	srv, st := newTestAPI(t)
	role := domain.Role{Name: "Guest"}
	require.NoError(t, st.CreateRole(context.Background(), &role))

	rec := doJSON(t, srv, http.MethodPost, "/api/users", map[string]any{
		"first_name": "Alice",
		"last_name":  "Nguyen",
		"role_id":    role.ID,
		"is_active":  true,
		"credentials": []map[string]any{
			{"type": "RFID", "value": "CARD-001"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/users", nil)
	var users []struct {
		Role        string `json:"role"`
		Credentials []struct {
			Value string `json:"value"`
		} `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "Guest", users[0].Role)
	require.Len(t, users[0].Credentials, 1)
	assert.Equal(t, "CARD-001", users[0].Credentials[0].Value)
}
