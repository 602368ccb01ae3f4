package httpx

import (
	"net/http"

	"github.com/fahrettinrizaergin/docker-manager/internal/service/node"
)

type nodeRequest struct {
	Name        string            `json:"name" validate:"required"`
	Host        string            `json:"host" validate:"required"`
	Description string            `json:"description"`
	SSHUser     string            `json:"ssh_user"`
	SSHPort     int               `json:"ssh_port" validate:"omitempty,min=1,max=65535"`
	SSHKey      string            `json:"ssh_key"`
	TLSCACert   string            `json:"tls_ca_cert"`
	TLSCert     string            `json:"tls_cert"`
	TLSKey      string            `json:"tls_key"`
	Labels      map[string]string `json:"labels"`
}

type nodeUpdateRequest struct {
	Name        *string           `json:"name"`
	Host        *string           `json:"host"`
	Description *string           `json:"description"`
	SSHUser     *string           `json:"ssh_user"`
	SSHPort     *int              `json:"ssh_port" validate:"omitempty,min=1,max=65535"`
	SSHKey      *string           `json:"ssh_key"`
	TLSCACert   *string           `json:"tls_ca_cert"`
	TLSCert     *string           `json:"tls_cert"`
	TLSKey      *string           `json:"tls_key"`
	Labels      map[string]string `json:"labels"`
}

func (r *Router) handleListNodes(w http.ResponseWriter, req *http.Request) {
	page := pageFromQuery(req)
	items, total, err := r.svc.Nodes.List(req.Context(), page)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeList(w, items, total, page)
}

func (r *Router) handleRegisterNode(w http.ResponseWriter, req *http.Request) {
	var payload nodeRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	n, err := r.svc.Nodes.Register(req.Context(), node.RegisterInput{
		Name:        payload.Name,
		Host:        payload.Host,
		Description: payload.Description,
		SSHUser:     payload.SSHUser,
		SSHPort:     payload.SSHPort,
		SSHKey:      payload.SSHKey,
		TLSCACert:   payload.TLSCACert,
		TLSCert:     payload.TLSCert,
		TLSKey:      payload.TLSKey,
		Labels:      payload.Labels,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusCreated, n)
}

func (r *Router) handleGetNode(w http.ResponseWriter, req *http.Request) {
	n, err := r.svc.Nodes.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, n)
}

func (r *Router) handleNodeHealth(w http.ResponseWriter, req *http.Request) {
	res, err := r.svc.Nodes.Health(req.Context(), req.PathValue("id"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (r *Router) handleUpdateNode(w http.ResponseWriter, req *http.Request) {
	var payload nodeUpdateRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	n, err := r.svc.Nodes.Update(req.Context(), req.PathValue("id"), node.UpdateInput{
		Name:        payload.Name,
		Host:        payload.Host,
		Description: payload.Description,
		SSHUser:     payload.SSHUser,
		SSHPort:     payload.SSHPort,
		SSHKey:      payload.SSHKey,
		TLSCACert:   payload.TLSCACert,
		TLSCert:     payload.TLSCert,
		TLSKey:      payload.TLSKey,
		Labels:      payload.Labels,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, n)
}

func (r *Router) handleDeleteNode(w http.ResponseWriter, req *http.Request) {
	if err := r.svc.Nodes.Delete(req.Context(), req.PathValue("id")); err != nil {
		r.fail(w, req, err)
		return
	}
	writeNoContent(w)
}

// handleTestNode reports an unreachable engine in the result body, not as an error status.
func (r *Router) handleTestNode(w http.ResponseWriter, req *http.Request) {
	res, err := r.svc.Nodes.TestConnection(req.Context(), req.PathValue("id"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (r *Router) handlePruneNode(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Kind string `json:"kind"`
	}
	if err := decodeJSON(req, &payload, true); err != nil {
		r.fail(w, req, err)
		return
	}
	if payload.Kind == "" {
		payload.Kind = req.URL.Query().Get("kind")
	}
	report, err := r.svc.Nodes.Prune(req.Context(), req.PathValue("id"), payload.Kind)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (r *Router) handleReloadRedis(w http.ResponseWriter, req *http.Request) {
	if err := r.svc.Nodes.ReloadRedis(req.Context(), req.PathValue("id")); err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
