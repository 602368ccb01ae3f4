package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName    = "DOCKMGR_EVENTS"
	subjectPrefix = "dockmgr."
)

// NATS forwards events into a JetStream stream.
type NATS struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// ConnectNATS dials url and ensures the events stream exists.
func ConnectNATS(ctx context.Context, url string, log *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("docker-manager"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	if log != nil {
		log.Info("nats connected", "url", url, "stream", streamName)
	}
	return &NATS{nc: nc, js: js}, nil
}

// Forward implements Forwarder.
func (n *NATS) Forward(ctx context.Context, subject string, payload []byte) error {
	if _, err := n.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}
