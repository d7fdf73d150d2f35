package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"astrostream/internal/envelope"
	"astrostream/internal/resume"
	"astrostream/internal/sequence"

	"github.com/rs/zerolog"
)

func newTestBroker() *Broker {
	seq := sequence.New(nil, "sse:seq:test", zerolog.Nop())
	return New(seq, nil, resume.NewMemoryStore(1000), zerolog.Nop())
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := newTestBroker()
	q := b.Subscribe("t1", 16)
	defer b.Unsubscribe("t1", q)

	seq, err := b.Publish(context.Background(), "t1", []byte(`{"x":1}`), "")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if seq != 1 {
		t.Errorf("first seq: got %d, want 1", seq)
	}

	data, ok := q.tryRecv()
	if !ok {
		t.Fatal("no envelope delivered")
	}
	env, err := envelope.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.V != 1 || env.Seq != 1 || env.Topic != "t1" || env.Event != "update" {
		t.Errorf("envelope fields wrong: %+v", env)
	}
	if string(env.Payload) != `{"x":1}` {
		t.Errorf("payload: got %s", env.Payload)
	}
	if _, err := time.Parse(time.RFC3339Nano, env.TS); err != nil {
		t.Errorf("ts not RFC3339: %v", err)
	}
}

func TestPublishSeqMonotonicPerTopic(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 50; i++ {
		seq, err := b.Publish(ctx, "t1", []byte(`{}`), "")
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if seq <= prev {
			t.Fatalf("seq not monotonic: %d after %d", seq, prev)
		}
		prev = seq
	}

	// Other topics sequence independently.
	seq, _ := b.Publish(ctx, "t2", []byte(`{}`), "")
	if seq != 1 {
		t.Errorf("t2 first seq: got %d, want 1", seq)
	}
}

func TestPerConnectionFIFO(t *testing.T) {
	b := newTestBroker()
	q := b.Subscribe("t1", 128)
	defer b.Unsubscribe("t1", q)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if _, err := b.Publish(ctx, "t1", []byte(fmt.Sprintf(`{"n":%d}`, i)), ""); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var prev uint64
	for i := 0; i < 100; i++ {
		data, ok := q.tryRecv()
		if !ok {
			t.Fatalf("queue empty after %d reads", i)
		}
		env, _ := envelope.Parse(data)
		if env.Seq <= prev {
			t.Fatalf("FIFO violated: seq %d after %d", env.Seq, prev)
		}
		prev = env.Seq
	}
}

func TestDropOldestAccounting(t *testing.T) {
	b := newTestBroker()
	q := b.Subscribe("t1", 4)
	defer b.Unsubscribe("t1", q)
	ctx := context.Background()

	// Slow subscriber never reads; publish a burst of 10.
	for i := 0; i < 10; i++ {
		if _, err := b.Publish(ctx, "t1", []byte(fmt.Sprintf(`{"n":%d}`, i)), ""); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if got := b.Stats().Dropped; got != 6 {
		t.Errorf("dropped: got %d, want 6", got)
	}
	if q.Len() != 4 {
		t.Errorf("queue len: got %d, want 4", q.Len())
	}

	// Queue holds the 4 newest envelopes.
	want := uint64(7)
	for q.Len() > 0 {
		data, _ := q.tryRecv()
		env, _ := envelope.Parse(data)
		if env.Seq != want {
			t.Errorf("surviving seq: got %d, want %d", env.Seq, want)
		}
		want++
	}
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	b := newTestBroker()
	q := b.Subscribe("t1", 8)
	b.Publish(context.Background(), "t1", []byte(`{}`), "")
	b.Unsubscribe("t1", q)

	st := b.Stats()
	if st.Subscribers != 0 {
		t.Errorf("subscribers after unsubscribe: got %d, want 0", st.Subscribers)
	}
	if _, ok := st.Topics["t1"]; ok {
		t.Error("empty topic not garbage-collected")
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained: %d left", q.Len())
	}
}

func TestNextIdleHeartbeat(t *testing.T) {
	b := newTestBroker()
	q := b.Subscribe("t1", 8)
	defer b.Unsubscribe("t1", q)

	data := b.Next(q, 10*time.Millisecond)
	env, err := envelope.Parse(data)
	if err != nil {
		t.Fatalf("parse heartbeat: %v", err)
	}
	if env.Event != envelope.EventHeartbeat {
		t.Errorf("event: got %q, want heartbeat", env.Event)
	}
	if env.Topic != envelope.HeartbeatTopic {
		t.Errorf("topic: got %q, want %q", env.Topic, envelope.HeartbeatTopic)
	}
	if env.Seq != 0 {
		t.Errorf("idle heartbeat seq: got %d, want 0", env.Seq)
	}
}

func TestNextReturnsQueuedBeforeHeartbeat(t *testing.T) {
	b := newTestBroker()
	q := b.Subscribe("t1", 8)
	defer b.Unsubscribe("t1", q)

	b.Publish(context.Background(), "t1", []byte(`{"live":true}`), "")
	data := b.Next(q, time.Second)
	env, _ := envelope.Parse(data)
	if env.Topic != "t1" {
		t.Errorf("expected queued envelope, got topic %q", env.Topic)
	}
}

func TestHeartbeatOperationConsumesSeq(t *testing.T) {
	b := newTestBroker()
	q := b.Subscribe("t1", 8)
	defer b.Unsubscribe("t1", q)
	ctx := context.Background()

	if err := b.Heartbeat(ctx, "t1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	data, ok := q.tryRecv()
	if !ok {
		t.Fatal("heartbeat not delivered")
	}
	env, _ := envelope.Parse(data)
	if env.Event != envelope.EventHeartbeat || env.Topic != "t1" || env.Seq != 1 {
		t.Errorf("topic heartbeat envelope wrong: %+v", env)
	}
}

func TestReplaySinceFromRing(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Publish(ctx, "t1", []byte(fmt.Sprintf(`{"n":%d}`, i)), "")
	}

	entries := b.ReplaySince(ctx, "t1", 3, 500)
	if len(entries) != 2 {
		t.Fatalf("replay count: got %d, want 2", len(entries))
	}
	first, _ := envelope.Parse(entries[0])
	if first.Seq != 4 {
		t.Errorf("first replayed seq: got %d, want 4", first.Seq)
	}
}

func TestPublishThenReplayRoundTrip(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	b.Publish(ctx, "t1", []byte(`{"a":1}`), "")
	st := b.ResumeStats(ctx, "t1")
	b.Publish(ctx, "t1", []byte(`{"b":2}`), "")

	entries := b.ReplaySince(ctx, "t1", st.MaxSeq, 500)
	if len(entries) != 1 {
		t.Fatalf("replay after prev max: got %d entries, want 1", len(entries))
	}
	env, _ := envelope.Parse(entries[0])
	if string(env.Payload) != `{"b":2}` {
		t.Errorf("replayed payload: got %s", env.Payload)
	}
}

func TestPublishPayloadTooLarge(t *testing.T) {
	b := newTestBroker()
	big := make([]byte, envelope.MaxPayloadSize+1)
	if _, err := b.Publish(context.Background(), "t1", big, ""); err != ErrPayloadTooLarge {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestPublishRejectsInvalidTopic(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	for _, topic := range []string{"", "mo on", "mo/on", `mo"on`, "mo\non", "mo\\on", "phase\ttab"} {
		if _, err := b.Publish(ctx, topic, []byte(`{}`), ""); err != ErrInvalidTopic {
			t.Errorf("topic %q: expected ErrInvalidTopic, got %v", topic, err)
		}
	}
	for _, topic := range []string{"moon", "kp.v1.moon-phase", "_hb", "T1"} {
		if _, err := b.Publish(ctx, topic, []byte(`{}`), ""); err != nil {
			t.Errorf("topic %q: unexpected error %v", topic, err)
		}
	}
}

func TestConcurrentPublishDeliveryOrder(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	// Capacity exceeds the burst so nothing is dropped and every assigned
	// seq must arrive in order.
	q := b.Subscribe("t1", 8192)
	defer b.Unsubscribe("t1", q)

	const workers = 8
	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := b.Publish(ctx, "t1", []byte(`{}`), ""); err != nil {
					t.Errorf("publish: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := b.Stats().Dropped; got != 0 {
		t.Fatalf("dropped under capacity: %d", got)
	}
	var prev uint64
	for i := 0; i < workers*perWorker; i++ {
		data, ok := q.tryRecv()
		if !ok {
			t.Fatalf("queue empty after %d reads, want %d", i, workers*perWorker)
		}
		env, err := envelope.Parse(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if env.Seq != prev+1 {
			t.Fatalf("delivery order broken: seq %d after %d", env.Seq, prev)
		}
		prev = env.Seq
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := newTestBroker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(ctx, "t1", []byte(`{}`), "")
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q := b.Subscribe("t1", 8)
				b.Next(q, time.Millisecond)
				b.Unsubscribe("t1", q)
			}
		}()
	}
	wg.Wait()

	st := b.Stats()
	if st.Published != 400 {
		t.Errorf("published: got %d, want 400", st.Published)
	}
	if st.Subscribers != 0 {
		t.Errorf("subscribers leaked: %d", st.Subscribers)
	}
	if _, ok := st.Topics["t1"]; ok {
		t.Error("topic t1 not garbage-collected after all unsubscribes")
	}
}
