package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/organization"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/project"
)

type organizationRequest struct {
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description"`
	Settings    json.RawMessage `json:"settings"`
}

type organizationUpdateRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	IsActive    *bool           `json:"is_active"`
	Settings    json.RawMessage `json:"settings"`
}

type memberRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"omitempty,oneof=owner admin member"`
}

// Deletes accept force or with_volumes; both tear the runtime down with volumes.
func deleteOptions(req *http.Request) organization.DeleteOptions {
	return organization.DeleteOptions{
		Cascade: queryBool(req, "cascade"),
		Force:   queryBool(req, "force") || queryBool(req, "with_volumes"),
	}
}

func (r *Router) handleListOrganizations(w http.ResponseWriter, req *http.Request) {
	info := actor(req)
	page := pageFromQuery(req)
	items, total, err := r.svc.Organizations.List(req.Context(), info.UserID, info.isAdmin(), page)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeList(w, items, total, page)
}

func (r *Router) handleCreateOrganization(w http.ResponseWriter, req *http.Request) {
	var payload organizationRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	org, err := r.svc.Organizations.Create(req.Context(), actor(req).UserID, organization.CreateInput{
		Name:        payload.Name,
		Description: payload.Description,
		Settings:    payload.Settings,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusCreated, org)
}

func (r *Router) handleGetOrganization(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionRead, domain.ResourceOrganization, id); err != nil {
		r.fail(w, req, err)
		return
	}
	org, err := r.svc.Organizations.Get(req.Context(), id)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, org)
}

func (r *Router) handleUpdateOrganization(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload organizationUpdateRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionWrite, domain.ResourceOrganization, id); err != nil {
		r.fail(w, req, err)
		return
	}
	org, err := r.svc.Organizations.Update(req.Context(), id, organization.UpdateInput{
		Name:        payload.Name,
		Description: payload.Description,
		IsActive:    payload.IsActive,
		Settings:    payload.Settings,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, org)
}

func (r *Router) handleDeleteOrganization(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionDelete, domain.ResourceOrganization, id); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.svc.Organizations.Delete(req.Context(), id, deleteOptions(req)); err != nil {
		r.fail(w, req, err)
		return
	}
	writeNoContent(w)
}

func (r *Router) handleListMembers(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionRead, domain.ResourceOrganization, id); err != nil {
		r.fail(w, req, err)
		return
	}
	members, err := r.svc.Organizations.Members(req.Context(), id)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	if members == nil {
		members = []domain.OrganizationMember{}
	}
	writeData(w, http.StatusOK, members)
}

func (r *Router) handleAddMember(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload memberRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionManage, domain.ResourceOrganization, id); err != nil {
		r.fail(w, req, err)
		return
	}
	role := payload.Role
	if role == "" {
		role = domain.MemberRoleMember
	}
	member, err := r.svc.Organizations.AddMember(req.Context(), id, payload.UserID, role)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusCreated, member)
}

func (r *Router) handleRemoveMember(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionManage, domain.ResourceOrganization, id); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.svc.Organizations.RemoveMember(req.Context(), id, req.PathValue("user_id")); err != nil {
		r.fail(w, req, err)
		return
	}
	writeNoContent(w)
}

type projectRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Name           string `json:"name" validate:"required"`
	Description    string `json:"description"`
	Status         string `json:"status" validate:"omitempty,oneof=active archived suspended"`
}

type projectUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status" validate:"omitempty,oneof=active archived suspended"`
}

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	info := actor(req)
	page := pageFromQuery(req)
	items, total, err := r.svc.Projects.List(req.Context(), info.UserID, info.isAdmin(), req.URL.Query().Get("organization_id"), page)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeList(w, items, total, page)
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var payload projectRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionWrite, domain.ResourceOrganization, payload.OrganizationID); err != nil {
		r.fail(w, req, err)
		return
	}
	p, err := r.svc.Projects.Create(req.Context(), project.CreateInput{
		OrganizationID: payload.OrganizationID,
		Name:           payload.Name,
		Description:    payload.Description,
		Status:         payload.Status,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusCreated, p)
}

func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionRead, domain.ResourceProject, id); err != nil {
		r.fail(w, req, err)
		return
	}
	p, err := r.svc.Projects.Get(req.Context(), id)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (r *Router) handleUpdateProject(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload projectUpdateRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionWrite, domain.ResourceProject, id); err != nil {
		r.fail(w, req, err)
		return
	}
	p, err := r.svc.Projects.Update(req.Context(), id, project.UpdateInput{
		Name:        payload.Name,
		Description: payload.Description,
		Status:      payload.Status,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (r *Router) handleDeleteProject(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionDelete, domain.ResourceProject, id); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.svc.Projects.Delete(req.Context(), id, deleteOptions(req)); err != nil {
		r.fail(w, req, err)
		return
	}
	writeNoContent(w)
}
