package api

import (
	"net/http"
	"strconv"

	"github.com/parkos/backend/internal/domain"
	"github.com/parkos/backend/internal/store"
)

// Dashboard handlers: the live operations view over zones, gates, and the
// scan log, plus the operator override.

// zoneNode is one node of the occupancy tree the dashboard renders.
type zoneNode struct {
	domain.Zone
	PercentFull float64     `json:"percent_full"`
	Children    []*zoneNode `json:"children"`
}

// handleDashboardStats returns the zone occupancy tree plus headline counts.
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	zones, err := s.store.ListZones(ctx)
	if err != nil {
		storeError(w, err)
		return
	}
	totalScans, err := s.store.CountScanLogs(ctx)
	if err != nil {
		storeError(w, err)
		return
	}
	deviceCount, err := s.store.CountDevices(ctx)
	if err != nil {
		storeError(w, err)
		return
	}

	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"zones":        buildZoneTree(zones),
		"total_scans":  totalScans,
		"device_count": deviceCount,
		"feed_clients": clients,
	})
}

// buildZoneTree nests zones under their parents; zones whose parent is
// missing from the set surface as roots rather than disappearing.
func buildZoneTree(zones []store.ZoneWithParent) []*zoneNode {
	nodes := make(map[int64]*zoneNode, len(zones))
	for _, z := range zones {
		nodes[z.ID] = &zoneNode{
			Zone:        z.Zone,
			PercentFull: z.PercentFull(),
			Children:    []*zoneNode{},
		}
	}

	var roots []*zoneNode
	for _, z := range zones {
		node := nodes[z.ID]
		if z.ParentID != nil {
			if parent, ok := nodes[*z.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots
}

// handleRecentLogs returns the newest scan log entries. ?limit= caps the
// page; the store applies its default when the value is absent or bad.
func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := s.store.RecentScanLogs(r.Context(), limit)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleManualOpen force-opens one gate on operator command.
func (s *Server) handleManualOpen(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gate id")
		return
	}
	if err := s.engine.ManualOpen(r.Context(), id); err != nil {
		s.log.Warn("manual open failed", "gate", id, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "gate opened"})
}

// enrichedGate is the dashboard gate card: the gate, the zone names on each
// side, and which rule kinds are enabled for it.
type enrichedGate struct {
	domain.Gate
	ZoneFromName string            `json:"zone_from_name,omitempty"`
	ZoneToName   string            `json:"zone_to_name,omitempty"`
	Direction    string            `json:"direction"`
	ActiveRules  []domain.RuleKind `json:"active_rules"`
}

func (s *Server) handleEnrichedGates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	gates, err := s.store.ListGates(ctx)
	if err != nil {
		storeError(w, err)
		return
	}
	zones, err := s.store.ListZones(ctx)
	if err != nil {
		storeError(w, err)
		return
	}
	zoneNames := make(map[int64]string, len(zones))
	for _, z := range zones {
		zoneNames[z.ID] = z.Name
	}

	out := make([]enrichedGate, 0, len(gates))
	for _, g := range gates {
		kinds, err := s.store.ActiveGateRuleKinds(ctx, g.ID)
		if err != nil {
			storeError(w, err)
			return
		}
		if kinds == nil {
			kinds = []domain.RuleKind{}
		}
		eg := enrichedGate{Gate: g, ActiveRules: kinds, Direction: gateDirection(&g)}
		if g.ZoneFromID != nil {
			eg.ZoneFromName = zoneNames[*g.ZoneFromID]
		}
		if g.ZoneToID != nil {
			eg.ZoneToName = zoneNames[*g.ZoneToID]
		}
		out = append(out, eg)
	}
	writeJSON(w, http.StatusOK, out)
}

func gateDirection(g *domain.Gate) string {
	switch {
	case g.IsTransit():
		return "TRANSIT"
	case g.IsEntry():
		return "ENTRY"
	default:
		return "EXIT"
	}
}
