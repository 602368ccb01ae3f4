package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/events"
	"github.com/fahrettinrizaergin/docker-manager/internal/ws"
)

const wsReadLimit = 4096

// authorizeTopic resolves a subscription topic to the container it belongs to
// and checks read access on it.
func (r *Router) authorizeTopic(req *http.Request, topic string) error {
	_, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return domain.Validationf("topic must be container:<id> or deployment:<id>")
	}
	switch topic {
	case events.ContainerTopic(id):
	case events.DeploymentTopic(id):
		record, err := r.svc.Deployments.Get(req.Context(), id)
		if err != nil {
			return err
		}
		id = record.ContainerID
	default:
		return domain.Validationf("unknown topic %q", topic)
	}
	return r.require(req, domain.ActionRead, domain.ResourceContainer, id)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if r.svc.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "event stream unavailable")
		return
	}
	topic := req.URL.Query().Get("topic")
	if err := r.authorizeTopic(req, topic); err != nil {
		r.fail(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	client := ws.NewClient(conn, r.logger)
	r.svc.Hub.Register(topic, client)
	done := r.metrics.stream("websocket")

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
	go func() {
		defer func() {
			close(stop)
			r.svc.Hub.Unregister(topic, client)
			client.Close()
			done()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					r.logger.Debug("websocket closed", "topic", topic, "error", err)
				}
				return
			}
		}
	}()
}

// handleEventsSSE streams the same topics as server-sent events for clients
// without websocket support.
func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if r.svc.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}
	topic := req.URL.Query().Get("topic")
	if err := r.authorizeTopic(req, topic); err != nil {
		r.fail(w, req, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.svc.Hub.Register(topic, client)
	done := r.metrics.stream("sse")
	defer func() {
		r.svc.Hub.Unregister(topic, client)
		client.Close()
		done()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
