// Package ingest bridges external message sources into the broker:
// Redis Pub/Sub channels and NATS subjects map onto stream topics.
package ingest

import (
	"context"
	"strings"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"astrostream/internal/broker"
)

// PubSubBridge subscribes to a Redis channel prefix and republishes each
// message on the matching topic. Channel "stream:pub:moon" feeds topic
// "moon".
type PubSubBridge struct {
	rdb    goredis.UniversalClient
	broker *broker.Broker
	prefix string
	logger zerolog.Logger
}

// NewPubSubBridge creates a bridge for channels under prefix.
func NewPubSubBridge(rdb goredis.UniversalClient, b *broker.Broker, prefix string, logger zerolog.Logger) *PubSubBridge {
	return &PubSubBridge{
		rdb:    rdb,
		broker: b,
		prefix: prefix,
		logger: logger.With().Str("component", "ingest-redis").Logger(),
	}
}

// Run pattern-subscribes to prefix* and routes messages until ctx is
// cancelled.
func (p *PubSubBridge) Run(ctx context.Context) {
	pubsub := p.rdb.PSubscribe(ctx, p.prefix+"*")
	defer pubsub.Close()

	p.logger.Info().Str("pattern", p.prefix+"*").Msg("redis ingest subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			topic := strings.TrimPrefix(msg.Channel, p.prefix)
			if topic == "" {
				continue
			}
			if _, err := p.broker.Publish(ctx, topic, []byte(msg.Payload), ""); err != nil {
				p.logger.Warn().Err(err).Str("topic", topic).Msg("ingest publish rejected")
			}
		}
	}
}
