package api

import (
	"net/http"

	"github.com/parkos/backend/internal/domain"
)

// Identity handlers: users (with their credential batches), roles, tenants.

type userRequest struct {
	domain.User
	Credentials []domain.Credential `json:"credentials"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user payload")
		return
	}
	if req.FirstName == "" || req.LastName == "" {
		writeError(w, http.StatusBadRequest, "first_name and last_name are required")
		return
	}
	if err := s.store.CreateUser(r.Context(), &req.User, req.Credentials); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req.User)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user payload")
		return
	}
	req.User.ID = id
	if err := s.store.UpdateUser(r.Context(), &req.User, req.Credentials); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req.User)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleUserOptions returns the role and tenant lists the user form needs.
func (s *Server) handleUserOptions(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	tenants, err := s.store.ListTenants(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roles":   roles,
		"tenants": tenants,
	})
}

// --- roles ---

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var role domain.Role
	if err := decodeBody(r, &role); err != nil {
		writeError(w, http.StatusBadRequest, "invalid role payload")
		return
	}
	if role.Name == "" {
		writeError(w, http.StatusBadRequest, "role name is required")
		return
	}
	if err := s.store.CreateRole(r.Context(), &role); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid role id")
		return
	}
	var role domain.Role
	if err := decodeBody(r, &role); err != nil {
		writeError(w, http.StatusBadRequest, "invalid role payload")
		return
	}
	role.ID = id
	if err := s.store.UpdateRole(r.Context(), &role); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid role id")
		return
	}
	if err := s.store.DeleteRole(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- tenants ---

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListTenants(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var t domain.Tenant
	if err := decodeBody(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant payload")
		return
	}
	if t.Name == "" {
		writeError(w, http.StatusBadRequest, "tenant name is required")
		return
	}
	if t.QuotaLimit < 0 {
		writeError(w, http.StatusBadRequest, "quota_limit must not be negative")
		return
	}
	if err := s.store.CreateTenant(r.Context(), &t); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}
	var t domain.Tenant
	if err := decodeBody(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant payload")
		return
	}
	t.ID = id
	if err := s.store.UpdateTenant(r.Context(), &t); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}
	if err := s.store.DeleteTenant(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
