package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/container"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/deploy"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/lifecycle"
)

type containerRequest struct {
	ProjectID     string               `json:"project_id" validate:"required"`
	NodeID        string               `json:"node_id"`
	Name          string               `json:"name" validate:"required"`
	Description   string               `json:"description"`
	Type          string               `json:"type"`
	Image         string               `json:"image"`
	Tag           string               `json:"tag"`
	Ports         []domain.PortMapping `json:"ports" validate:"dive"`
	Environment   map[string]string    `json:"environment"`
	Labels        map[string]string    `json:"labels"`
	Resources     domain.Resources     `json:"resources"`
	RestartPolicy string               `json:"restart_policy"`
	StopGraceSecs int                  `json:"stop_grace_period" validate:"gte=0"`
	StopSignal    string               `json:"stop_signal"`
	Attributes    map[string]any       `json:"attributes"`
	AutoDeploy    bool                 `json:"auto_deploy"`
	Source        domain.SourceConfig  `json:"source"`
}

type containerUpdateRequest struct {
	Name          *string               `json:"name"`
	Description   *string               `json:"description"`
	NodeID        *string               `json:"node_id"`
	Image         *string               `json:"image"`
	Tag           *string               `json:"tag"`
	Ports         *[]domain.PortMapping `json:"ports"`
	Environment   map[string]string     `json:"environment"`
	Labels        map[string]string     `json:"labels"`
	Resources     *domain.Resources     `json:"resources"`
	RestartPolicy *string               `json:"restart_policy"`
	StopGraceSecs *int                  `json:"stop_grace_period" validate:"omitempty,gte=0"`
	StopSignal    *string               `json:"stop_signal"`
	Attributes    map[string]any        `json:"attributes"`
	AutoDeploy    *bool                 `json:"auto_deploy"`
	Source        *domain.SourceConfig  `json:"source"`
}

type stopRequest struct {
	Signal             string `json:"signal"`
	GracePeriodSeconds int    `json:"grace_period_seconds" validate:"gte=0"`
}

type deployRequest struct {
	Provider string          `json:"provider"`
	Spec     json.RawMessage `json:"spec"`
}

func (r *Router) handleListContainers(w http.ResponseWriter, req *http.Request) {
	info := actor(req)
	page := pageFromQuery(req)
	items, total, err := r.svc.Containers.List(req.Context(), info.UserID, info.isAdmin(), req.URL.Query().Get("project_id"), page)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeList(w, items, total, page)
}

func (r *Router) handleCreateContainer(w http.ResponseWriter, req *http.Request) {
	var payload containerRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionWrite, domain.ResourceProject, payload.ProjectID); err != nil {
		r.fail(w, req, err)
		return
	}
	c, err := r.svc.Containers.Create(req.Context(), container.CreateInput{
		ProjectID:     payload.ProjectID,
		NodeID:        payload.NodeID,
		Name:          payload.Name,
		Description:   payload.Description,
		Type:          payload.Type,
		Image:         payload.Image,
		Tag:           payload.Tag,
		Ports:         payload.Ports,
		Environment:   payload.Environment,
		Labels:        payload.Labels,
		Resources:     payload.Resources,
		RestartPolicy: payload.RestartPolicy,
		StopGraceSecs: payload.StopGraceSecs,
		StopSignal:    payload.StopSignal,
		Attributes:    payload.Attributes,
		AutoDeploy:    payload.AutoDeploy,
		Source:        payload.Source,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusCreated, c)
}

func (r *Router) handleGetContainer(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionRead, domain.ResourceContainer, id); err != nil {
		r.fail(w, req, err)
		return
	}
	c, err := r.svc.Containers.Get(req.Context(), id)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

func (r *Router) handleUpdateContainer(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload containerUpdateRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionWrite, domain.ResourceContainer, id); err != nil {
		r.fail(w, req, err)
		return
	}
	c, err := r.svc.Containers.Update(req.Context(), id, container.UpdateInput{
		Name:          payload.Name,
		Description:   payload.Description,
		NodeID:        payload.NodeID,
		Image:         payload.Image,
		Tag:           payload.Tag,
		Ports:         payload.Ports,
		Environment:   payload.Environment,
		Labels:        payload.Labels,
		Resources:     payload.Resources,
		RestartPolicy: payload.RestartPolicy,
		StopGraceSecs: payload.StopGraceSecs,
		StopSignal:    payload.StopSignal,
		Attributes:    payload.Attributes,
		AutoDeploy:    payload.AutoDeploy,
		Source:        payload.Source,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

func (r *Router) handleDeleteContainer(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionDelete, domain.ResourceContainer, id); err != nil {
		r.fail(w, req, err)
		return
	}
	opts := lifecycle.DeleteOptions{
		Force:         queryBool(req, "force"),
		RemoveVolumes: queryBool(req, "with_volumes"),
	}
	if err := r.svc.Lifecycle.Delete(req.Context(), id, opts); err != nil {
		r.fail(w, req, err)
		return
	}
	writeNoContent(w)
}

// containerAction wraps a lifecycle operation that needs deploy rights.
func (r *Router) containerAction(op func(context.Context, string) (*domain.Container, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.PathValue("id")
		if err := r.require(req, domain.ActionDeploy, domain.ResourceContainer, id); err != nil {
			r.fail(w, req, err)
			return
		}
		c, err := op(req.Context(), id)
		if err != nil {
			r.fail(w, req, err)
			return
		}
		writeData(w, http.StatusOK, c)
	}
}

func (r *Router) handleStopContainer(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload stopRequest
	if err := decodeJSON(req, &payload, true); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionDeploy, domain.ResourceContainer, id); err != nil {
		r.fail(w, req, err)
		return
	}
	c, err := r.svc.Lifecycle.Stop(req.Context(), id, lifecycle.StopOptions{
		Signal:      payload.Signal,
		GracePeriod: time.Duration(payload.GracePeriodSeconds) * time.Second,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

// handleDeployContainer accepts the deployment and returns its pending record.
// Progress is streamed on the deployment's event topic.
func (r *Router) handleDeployContainer(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload deployRequest
	if err := decodeJSON(req, &payload, true); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionDeploy, domain.ResourceContainer, id); err != nil {
		r.fail(w, req, err)
		return
	}
	record, err := r.svc.Deployments.Dispatch(req.Context(), deploy.DispatchInput{
		ContainerID: id,
		Provider:    payload.Provider,
		Spec:        payload.Spec,
		Trigger:     domain.TriggerManual,
		TriggeredBy: actor(req).UserID,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusAccepted, record)
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.require(req, domain.ActionRead, domain.ResourceContainer, id); err != nil {
		r.fail(w, req, err)
		return
	}
	page := pageFromQuery(req)
	items, total, err := r.svc.Deployments.List(req.Context(), id, page)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeList(w, items, total, page)
}

func (r *Router) handleSetWebhookSecret(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := decodeJSON(req, &payload, true); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.require(req, domain.ActionManage, domain.ResourceContainer, id); err != nil {
		r.fail(w, req, err)
		return
	}
	secret, err := r.svc.Webhooks.SetSecret(req.Context(), id, payload.Secret)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{
		"secret": secret,
		"url":    apiPrefix + "/webhooks/" + id,
	})
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	record, ok := r.deploymentFor(w, req, domain.ActionRead)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, record)
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request) {
	record, ok := r.deploymentFor(w, req, domain.ActionRead)
	if !ok {
		return
	}
	page := pageFromQuery(req)
	limit, offset := page.PageSize, page.Offset()
	if req.URL.Query().Has("limit") || req.URL.Query().Has("offset") {
		limit, offset = queryInt(req, "limit", 500), queryInt(req, "offset", 0)
	}
	lines, err := r.svc.Deployments.Logs(req.Context(), record.ID, limit, offset)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	if lines == nil {
		lines = []domain.DeploymentLog{}
	}
	writeData(w, http.StatusOK, lines)
}

func (r *Router) handleCancelDeployment(w http.ResponseWriter, req *http.Request) {
	record, ok := r.deploymentFor(w, req, domain.ActionDeploy)
	if !ok {
		return
	}
	record, err := r.svc.Deployments.Cancel(req.Context(), record.ID)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, record)
}

// deploymentFor loads the deployment named in the path and checks action on its container.
func (r *Router) deploymentFor(w http.ResponseWriter, req *http.Request, action string) (*domain.DeploymentRecord, bool) {
	record, err := r.svc.Deployments.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.fail(w, req, err)
		return nil, false
	}
	if err := r.require(req, action, domain.ResourceContainer, record.ContainerID); err != nil {
		r.fail(w, req, err)
		return nil, false
	}
	return record, true
}

// handleWebhook receives provider push events. Authentication is the HMAC
// signature over the body; there is no bearer token.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "could not read body")
		return
	}
	result, err := r.svc.Webhooks.Handle(req.Context(), req.PathValue("container_id"), req.Header, body)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	status := http.StatusAccepted
	if result.Deployment == nil {
		status = http.StatusOK
	}
	writeData(w, status, result)
}
