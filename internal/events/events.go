// Package events publishes lifecycle notifications to websocket subscribers and,
// when configured, to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeContainerStatus  = "container.status"
	TypeDeploymentStatus = "deployment.status"
	TypeDeploymentLog    = "deployment.log"
)

// Event is one notification.
type Event struct {
	Type  string    `json:"type"`
	Topic string    `json:"topic"`
	Data  any       `json:"data"`
	At    time.Time `json:"at"`
}

// ContainerTopic is the subscription topic for a container.
func ContainerTopic(id string) string { return "container:" + id }

// DeploymentTopic is the subscription topic for a deployment.
func DeploymentTopic(id string) string { return "deployment:" + id }

// ContainerStatus is the payload of TypeContainerStatus.
type ContainerStatus struct {
	ContainerID string `json:"container_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Error       string `json:"error,omitempty"`
}

// DeploymentStatus is the payload of TypeDeploymentStatus.
type DeploymentStatus struct {
	DeploymentID string `json:"deployment_id"`
	ContainerID  string `json:"container_id"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// DeploymentLine is the payload of TypeDeploymentLog.
type DeploymentLine struct {
	DeploymentID string `json:"deployment_id"`
	Sequence     int    `json:"sequence"`
	Line         string `json:"line"`
}

// Publisher accepts events. Publishing never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Broadcaster delivers a payload to the subscribers of a topic.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// Forwarder ships a payload to an external subject.
type Forwarder interface {
	Forward(ctx context.Context, subject string, payload []byte) error
}

// Bus sends each event to the local broadcaster and the optional forwarder.
type Bus struct {
	local   Broadcaster
	forward Forwarder
	log     *slog.Logger
	now     func() time.Time
}

// NewBus builds a bus. Either sink may be nil.
func NewBus(local Broadcaster, forward Forwarder, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{local: local, forward: forward, log: log.With("component", "events"), now: time.Now}
}

// Publish implements Publisher.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = b.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Error("encode event", "type", event.Type, "error", err)
		return
	}
	if b.local != nil {
		b.local.Broadcast(event.Topic, payload)
	}
	if b.forward != nil {
		if err := b.forward.Forward(ctx, Subject(event.Type), payload); err != nil {
			b.log.Warn("forward event", "type", event.Type, "topic", event.Topic, "error", err)
		}
	}
}

// Subject maps an event type onto the NATS subject it is forwarded to.
func Subject(eventType string) string {
	return subjectPrefix + eventType
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of what was published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
