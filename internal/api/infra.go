package api

import (
	"net/http"

	"github.com/parkos/backend/internal/domain"
)

// Infrastructure handlers: zones, gates, devices, and validation rules.

// --- zones ---

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.store.ListZones(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var z domain.Zone
	if err := decodeBody(r, &z); err != nil {
		writeError(w, http.StatusBadRequest, "invalid zone payload")
		return
	}
	if z.Name == "" {
		writeError(w, http.StatusBadRequest, "zone name is required")
		return
	}
	if err := s.store.CreateZone(r.Context(), &z); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, z)
}

func (s *Server) handleUpdateZone(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid zone id")
		return
	}
	var z domain.Zone
	if err := decodeBody(r, &z); err != nil {
		writeError(w, http.StatusBadRequest, "invalid zone payload")
		return
	}
	z.ID = id
	if err := s.store.UpdateZone(r.Context(), &z); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid zone id")
		return
	}
	if err := s.store.DeleteZone(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- gates ---

// handleInfraGates is the plain listing used by the admin forms; the
// dashboard uses the enriched variant under /api/gates.
func (s *Server) handleInfraGates(w http.ResponseWriter, r *http.Request) {
	gates, err := s.store.ListGates(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gates)
}

func (s *Server) handleCreateGate(w http.ResponseWriter, r *http.Request) {
	var g domain.Gate
	if err := decodeBody(r, &g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid gate payload")
		return
	}
	if g.Name == "" {
		writeError(w, http.StatusBadRequest, "gate name is required")
		return
	}
	if g.ZoneFromID == nil && g.ZoneToID == nil {
		writeError(w, http.StatusBadRequest, "gate must connect at least one zone")
		return
	}
	if err := s.store.CreateGate(r.Context(), &g); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleUpdateGate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gate id")
		return
	}
	var g domain.Gate
	if err := decodeBody(r, &g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid gate payload")
		return
	}
	if g.ZoneFromID == nil && g.ZoneToID == nil {
		writeError(w, http.StatusBadRequest, "gate must connect at least one zone")
		return
	}
	g.ID = id
	if err := s.store.UpdateGate(r.Context(), &g); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gate id")
		return
	}
	if err := s.store.DeleteGate(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- devices ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var d domain.Device
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid device payload")
		return
	}
	if d.IP == "" {
		writeError(w, http.StatusBadRequest, "ip_address is required")
		return
	}
	if err := s.store.CreateDevice(r.Context(), &d); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	var d domain.Device
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid device payload")
		return
	}
	d.ID = id
	if err := s.store.UpdateDevice(r.Context(), &d); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	if err := s.store.DeleteDevice(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleDeviceOptions returns the gate list the device form needs.
func (s *Server) handleDeviceOptions(w http.ResponseWriter, r *http.Request) {
	gates, err := s.store.ListGates(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gates": gates})
}

// --- validation rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.ValidationRule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule payload")
		return
	}
	if rule.Kind == "" {
		writeError(w, http.StatusBadRequest, "rule_type is required")
		return
	}
	if err := rule.Target.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateRule(r.Context(), &rule); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	enabled, err := s.store.ToggleRule(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_enabled": enabled})
}

// handleInitRules seeds the default global rules; safe to call repeatedly.
func (s *Server) handleInitRules(w http.ResponseWriter, r *http.Request) {
	if err := s.store.InitDefaultRules(r.Context()); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "default rules ensured"})
}
