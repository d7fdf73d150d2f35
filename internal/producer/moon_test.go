package producer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"astrostream/internal/broker"
	"astrostream/internal/envelope"
	"astrostream/internal/resume"
	"astrostream/internal/sequence"
)

func newTestMoon(t *testing.T) (*Moon, *broker.Broker) {
	t.Helper()
	log := zerolog.Nop()
	b := broker.New(sequence.New(nil, "sse:seq:test", log), nil, resume.NewMemoryStore(100), log)
	return NewMoon(b, "moon", 10*time.Millisecond, log), b
}

func TestPublishOncePayload(t *testing.T) {
	m, b := newTestMoon(t)
	q := b.Subscribe("moon", 8)
	defer b.Unsubscribe("moon", q)

	// Full moon is half a synodic month past the reference new moon.
	m.now = func() time.Time {
		return time.Unix(referenceUnix, 0).Add(time.Duration(synodicDays / 2 * 24 * float64(time.Hour)))
	}

	if err := m.publishOnce(context.Background()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	data := b.Next(q, time.Second)
	env, err := envelope.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var p moonPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ProducerSeq != 1 {
		t.Errorf("producer seq: got %d, want 1", p.ProducerSeq)
	}
	if p.PhaseName != "full" {
		t.Errorf("phase name: got %q, want full", p.PhaseName)
	}
	if p.Illumination < 0.99 {
		t.Errorf("illumination at full moon: %v", p.Illumination)
	}
}

func TestProducerSeqMonotonic(t *testing.T) {
	m, b := newTestMoon(t)
	q := b.Subscribe("moon", 16)
	defer b.Unsubscribe("moon", q)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := m.publishOnce(ctx); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	var prev uint64
	for i := 0; i < 5; i++ {
		data := b.Next(q, time.Second)
		env, _ := envelope.Parse(data)
		var p moonPayload
		json.Unmarshal(env.Payload, &p)
		if p.ProducerSeq != prev+1 {
			t.Fatalf("producer seq: got %d after %d", p.ProducerSeq, prev)
		}
		prev = p.ProducerSeq
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, b := newTestMoon(t)
	q := b.Subscribe("moon", 64)
	defer b.Unsubscribe("moon", q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Let a few ticks land, then cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer did not stop on cancel")
	}

	if q.Len() == 0 {
		t.Error("no envelopes published while running")
	}
}

func TestJitterBounds(t *testing.T) {
	m, _ := newTestMoon(t)
	span := m.interval / 8
	for i := 0; i < 1000; i++ {
		d := m.nextDelay()
		if d < m.interval-span || d > m.interval+span {
			t.Fatalf("delay %v outside [%v, %v]", d, m.interval-span, m.interval+span)
		}
	}
}

func TestPhaseNames(t *testing.T) {
	tests := []struct {
		phase float64
		want  string
	}{
		{0.0, "new"},
		{0.25, "first_quarter"},
		{0.5, "full"},
		{0.75, "last_quarter"},
		{0.97, "new"},
	}
	for _, tt := range tests {
		if got := phaseName(tt.phase); got != tt.want {
			t.Errorf("phase %v: got %q, want %q", tt.phase, got, tt.want)
		}
	}
}
