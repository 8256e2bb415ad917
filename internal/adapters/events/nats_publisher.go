package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stoik/content-inspection/internal/logging"
)

// Config configures event publishing
type Config struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"required_if=Enabled true"`
	// Stream is created on connect if it does not exist
	Stream string `koanf:"stream"`
}

// NATSPublisher publishes domain events to NATS JetStream
type NATSPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewNATSPublisher connects to NATS and ensures the stream covering
// inspection.> exists
func NewNATSPublisher(cfg Config, opts ...nats.Option) (*NATSPublisher, error) {
	opts = append([]nats.Option{
		nats.Name("content-inspector"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}, opts...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if cfg.Stream != "" {
		if _, err := js.StreamInfo(cfg.Stream); errors.Is(err, nats.ErrStreamNotFound) {
			_, err = js.AddStream(&nats.StreamConfig{
				Name:     cfg.Stream,
				Subjects: []string{"inspection.>"},
			})
			if err != nil {
				nc.Close()
				return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
			}
		} else if err != nil {
			nc.Close()
			return nil, fmt.Errorf("stream info %s: %w", cfg.Stream, err)
		}
	}

	return &NATSPublisher{conn: nc, js: js}, nil
}

// Publish encodes v as JSON and publishes it to subject
func (p *NATSPublisher) Publish(ctx context.Context, subject string, v any) error {
	if p == nil {
		return errors.New("nil publisher")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	_, err = p.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// Close drains the connection
func (p *NATSPublisher) Close() {
	if p == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// LogPublisher writes events to the log instead of a broker.
// Used when NATS is disabled.
type LogPublisher struct{}

// Publish logs the event subject
func (LogPublisher) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	logging.Ctx(ctx).Debug().Str("subject", subject).RawJSON("event", data).Msg("event")
	return nil
}
