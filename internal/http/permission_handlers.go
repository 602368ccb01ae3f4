package httpx

import (
	"net/http"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/permission"
)

type grantRequest struct {
	UserID       string     `json:"user_id" validate:"required"`
	ResourceType string     `json:"resource_type" validate:"required"`
	ResourceID   string     `json:"resource_id" validate:"required"`
	Permissions  []string   `json:"permissions" validate:"required,min=1"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type revokeRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	ResourceType string `json:"resource_type" validate:"required"`
	ResourceID   string `json:"resource_id" validate:"required"`
}

type grantUpdateRequest struct {
	Permissions []string   `json:"permissions" validate:"required,min=1"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (r *Router) handleGrant(w http.ResponseWriter, req *http.Request) {
	var payload grantRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	grant, err := r.svc.Permissions.Grant(req.Context(), actor(req).UserID, permission.GrantInput{
		UserID:       payload.UserID,
		ResourceType: payload.ResourceType,
		ResourceID:   payload.ResourceID,
		Permissions:  payload.Permissions,
		ExpiresAt:    payload.ExpiresAt,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusCreated, grant)
}

func (r *Router) handleRevoke(w http.ResponseWriter, req *http.Request) {
	var payload revokeRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.svc.Permissions.Revoke(req.Context(), actor(req).UserID, payload.UserID, payload.ResourceType, payload.ResourceID); err != nil {
		r.fail(w, req, err)
		return
	}
	writeNoContent(w)
}

func (r *Router) handleListResourceGrants(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if q.Get("resource_type") == "" || q.Get("resource_id") == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "resource_type and resource_id query parameters required")
		return
	}
	grants, err := r.svc.Permissions.ListForResource(req.Context(), actor(req).UserID, q.Get("resource_type"), q.Get("resource_id"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeGrants(w, grants)
}

func (r *Router) handleListUserGrants(w http.ResponseWriter, req *http.Request) {
	grants, err := r.svc.Permissions.ListForUser(req.Context(), actor(req).UserID, req.PathValue("id"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeGrants(w, grants)
}

// handleCheckPermission evaluates whether the caller may perform an action. A
// denial is a normal answer, not an error.
func (r *Router) handleCheckPermission(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	decision := r.svc.Permissions.Authorize(req.Context(), actor(req).UserID, q.Get("action"), q.Get("resource_type"), q.Get("resource_id"))
	writeData(w, http.StatusOK, decision)
}

func (r *Router) handleGetGrant(w http.ResponseWriter, req *http.Request) {
	grant, err := r.svc.Permissions.Get(req.Context(), actor(req).UserID, req.PathValue("id"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, grant)
}

func (r *Router) handleUpdateGrant(w http.ResponseWriter, req *http.Request) {
	var payload grantUpdateRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	grant, err := r.svc.Permissions.Update(req.Context(), actor(req).UserID, req.PathValue("id"), payload.Permissions, payload.ExpiresAt)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, grant)
}

func (r *Router) handleDeleteGrant(w http.ResponseWriter, req *http.Request) {
	if err := r.svc.Permissions.RevokeByID(req.Context(), actor(req).UserID, req.PathValue("id")); err != nil {
		r.fail(w, req, err)
		return
	}
	writeNoContent(w)
}

func writeGrants(w http.ResponseWriter, grants []domain.PermissionGrant) {
	if grants == nil {
		grants = []domain.PermissionGrant{}
	}
	writeData(w, http.StatusOK, grants)
}

func (r *Router) handleDashboardStats(w http.ResponseWriter, req *http.Request) {
	info := actor(req)
	stats, err := r.svc.Dashboard.Stats(req.Context(), info.UserID, info.isAdmin())
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}
