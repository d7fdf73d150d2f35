// Package producer is the built-in demo feed: a background loop that
// publishes lunar phase payloads on a configured topic so a fresh
// deployment has live traffic to stream.
package producer

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"astrostream/internal/broker"
)

const (
	// DefaultInterval is the publish cadence; each tick is jittered by
	// ±1/8 of the interval (±250ms at the default) to avoid
	// thundering-herd alignment across instances.
	DefaultInterval = 2 * time.Second

	maxBackoff = 10 * time.Second

	// Synodic month in days, and a reference new moon (2000-01-06 18:14 UTC).
	synodicDays   = 29.530588853
	referenceUnix = 947182440
)

// Moon publishes lunar phase envelopes at a jittered interval. The
// payload carries a producer-local seq for consumer deduplication; it is
// not the broker's topic sequence.
type Moon struct {
	broker   *broker.Broker
	topic    string
	interval time.Duration
	logger   zerolog.Logger

	seq uint64
	rng *rand.Rand
	now func() time.Time
}

type moonPayload struct {
	ProducerSeq  uint64  `json:"producer_seq"`
	AgeDays      float64 `json:"age_days"`
	Phase        float64 `json:"phase"`
	Illumination float64 `json:"illumination"`
	PhaseName    string  `json:"phase_name"`
	TS           string  `json:"ts"`
}

// NewMoon creates the producer for topic.
func NewMoon(b *broker.Broker, topic string, interval time.Duration, logger zerolog.Logger) *Moon {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Moon{
		broker:   b,
		topic:    topic,
		interval: interval,
		logger:   logger.With().Str("component", "producer").Str("topic", topic).Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Run publishes until ctx is cancelled. Publish failures back off
// exponentially up to 10s; missed ticks are not replayed.
func (m *Moon) Run(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("producer started")
	backoff := time.Duration(0)

	for {
		wait := m.nextDelay()
		if backoff > 0 {
			wait = backoff
		}
		select {
		case <-ctx.Done():
			m.logger.Info().Uint64("published", m.seq).Msg("producer stopped")
			return
		case <-time.After(wait):
		}

		if err := m.publishOnce(ctx); err != nil {
			if backoff == 0 {
				backoff = m.interval
			} else {
				backoff *= 2
			}
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			m.logger.Warn().Err(err).Dur("backoff", backoff).Msg("publish failed")
			continue
		}
		backoff = 0
	}
}

func (m *Moon) nextDelay() time.Duration {
	span := m.interval / 8
	jitter := time.Duration(m.rng.Int63n(int64(2*span))) - span
	return m.interval + jitter
}

func (m *Moon) publishOnce(ctx context.Context) error {
	m.seq++
	payload, err := json.Marshal(m.payload())
	if err != nil {
		return err
	}
	_, err = m.broker.Publish(ctx, m.topic, payload, "")
	return err
}

// payload computes the current lunar phase from the reference new moon.
func (m *Moon) payload() moonPayload {
	now := m.now()
	days := now.Sub(time.Unix(referenceUnix, 0)).Hours() / 24
	age := math.Mod(days, synodicDays)
	if age < 0 {
		age += synodicDays
	}
	phase := age / synodicDays
	illum := (1 - math.Cos(2*math.Pi*phase)) / 2

	return moonPayload{
		ProducerSeq:  m.seq,
		AgeDays:      round4(age),
		Phase:        round4(phase),
		Illumination: round4(illum),
		PhaseName:    phaseName(phase),
		TS:           now.UTC().Format(time.RFC3339Nano),
	}
}

func phaseName(phase float64) string {
	switch {
	case phase < 0.0625 || phase >= 0.9375:
		return "new"
	case phase < 0.1875:
		return "waxing_crescent"
	case phase < 0.3125:
		return "first_quarter"
	case phase < 0.4375:
		return "waxing_gibbous"
	case phase < 0.5625:
		return "full"
	case phase < 0.6875:
		return "waning_gibbous"
	case phase < 0.8125:
		return "last_quarter"
	default:
		return "waning_crescent"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
