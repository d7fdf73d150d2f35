package ingest

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"astrostream/internal/broker"
)

// NATSBridge subscribes to a NATS subject prefix and republishes each
// message on the matching topic. Subject "astro.stream.moon" feeds topic
// "moon".
type NATSBridge struct {
	nc     *nats.Conn
	broker *broker.Broker
	prefix string
	logger zerolog.Logger
}

// NewNATSBridge connects to url and prepares a bridge for subjects under
// prefix.
func NewNATSBridge(url string, b *broker.Broker, prefix string, logger zerolog.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBridge{
		nc:     nc,
		broker: b,
		prefix: prefix,
		logger: logger.With().Str("component", "ingest-nats").Logger(),
	}, nil
}

// Run subscribes to prefix.> and routes messages until ctx is cancelled.
func (n *NATSBridge) Run(ctx context.Context) error {
	subject := n.prefix + ">"
	sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
		topic := strings.TrimPrefix(msg.Subject, n.prefix)
		if topic == "" {
			return
		}
		if _, err := n.broker.Publish(ctx, topic, msg.Data, ""); err != nil {
			n.logger.Warn().Err(err).Str("topic", topic).Msg("ingest publish rejected")
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	n.logger.Info().Str("subject", subject).Msg("nats ingest subscribed")
	<-ctx.Done()
	return nil
}

// Close drains the connection.
func (n *NATSBridge) Close() {
	n.nc.Drain()
}
