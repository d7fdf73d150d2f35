package limits

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeClock lets tests drive refill and idle math deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(d Defaults, ttl time.Duration) (*Limiter, *fakeClock) {
	clk := newFakeClock()
	l := New(d, ttl, zerolog.Nop())
	l.now = clk.now
	return l, clk
}

func TestConnectionCap(t *testing.T) {
	l, _ := newTestLimiter(Defaults{Connections: 2}, 0)

	for i := 0; i < 2; i++ {
		if !l.AllowConnection("a") {
			t.Fatalf("connection %d refused under cap", i)
		}
		l.AddConnection("a")
	}
	if l.AllowConnection("a") {
		t.Error("connection allowed over cap")
	}

	l.RemoveConnection("a")
	if !l.AllowConnection("a") {
		t.Error("connection refused after a slot freed")
	}
}

func TestQPSBucketConsumeAndRefill(t *testing.T) {
	l, clk := newTestLimiter(Defaults{QPS: 1, Burst: 1}, 0)

	if !l.AllowQPS("z", 1) {
		t.Fatal("first request refused with full bucket")
	}
	if l.AllowQPS("z", 1) {
		t.Error("second request allowed with empty bucket")
	}

	clk.advance(time.Second)
	if !l.AllowQPS("z", 1) {
		t.Error("request refused after full refill interval")
	}
}

func TestFractionalCost(t *testing.T) {
	l, _ := newTestLimiter(Defaults{QPS: 1, Burst: 1}, 0)

	// A burst-1 bucket covers ten 0.1-cost commands.
	for i := 0; i < 10; i++ {
		if !l.AllowQPS("z", 0.1) {
			t.Fatalf("command %d refused", i)
		}
	}
	if l.AllowQPS("z", 0.1) {
		t.Error("eleventh command allowed with empty bucket")
	}
}

func TestSnapshot(t *testing.T) {
	l, _ := newTestLimiter(Defaults{QPS: 5, Burst: 4}, 0)

	s := l.Snapshot("z")
	if s.Limit != 5 {
		t.Errorf("limit: got %v, want 5", s.Limit)
	}
	if s.Remaining != 4 {
		t.Errorf("remaining: got %d, want 4", s.Remaining)
	}

	l.AllowQPS("z", 3)
	s = l.Snapshot("z")
	if s.Remaining != 1 {
		t.Errorf("remaining after cost 3: got %d, want 1", s.Remaining)
	}
}

func TestSetLimitsResetsBucket(t *testing.T) {
	l, _ := newTestLimiter(Defaults{QPS: 1, Burst: 2}, 0)

	l.AllowQPS("z", 2)
	if l.AllowQPS("z", 1) {
		t.Fatal("bucket should be empty")
	}

	burst := 5
	l.SetLimits("z", nil, &burst, nil)
	s := l.Snapshot("z")
	if s.Remaining != 5 {
		t.Errorf("bucket not reset to new burst: remaining %d, want 5", s.Remaining)
	}
}

func TestSetLimitsConnectionOnlyKeepsBucket(t *testing.T) {
	l, _ := newTestLimiter(Defaults{QPS: 1, Burst: 2}, 0)

	l.AllowQPS("z", 1)
	conns := 50
	l.SetLimits("z", nil, nil, &conns)
	if got := l.Snapshot("z").Remaining; got != 1 {
		t.Errorf("bucket reset by connection-limit change: remaining %d, want 1", got)
	}
}

func TestTenantGC(t *testing.T) {
	l, clk := newTestLimiter(Defaults{QPS: 1, Burst: 1, Connections: 2}, 10*time.Second)

	l.AddConnection("a")
	l.AllowQPS("a", 1)
	l.RemoveConnection("a")

	// Still active recently and bucket not yet refilled.
	if n := l.Sweep(); n != 0 {
		t.Fatalf("swept %d tenants too early", n)
	}

	clk.advance(time.Minute)
	if n := l.Sweep(); n != 1 {
		t.Fatalf("sweep: got %d, want 1", n)
	}
	if len(l.Tenants()) != 0 {
		t.Error("tenant still present after GC")
	}
}

func TestTenantGCSkipsCustomLimits(t *testing.T) {
	l, clk := newTestLimiter(Defaults{QPS: 1, Burst: 1}, 10*time.Second)

	qps := 7.0
	l.SetLimits("b", &qps, nil, nil)
	clk.advance(time.Hour)
	if n := l.Sweep(); n != 0 {
		t.Errorf("tenant with custom limits collected: %d", n)
	}
}

func TestTenantGCSkipsActiveConnections(t *testing.T) {
	l, clk := newTestLimiter(Defaults{}, 10*time.Second)

	l.AddConnection("c")
	clk.advance(time.Hour)
	if n := l.Sweep(); n != 0 {
		t.Errorf("tenant with active connection collected: %d", n)
	}
}

func TestRecreatedTenantGetsDefaults(t *testing.T) {
	l, clk := newTestLimiter(Defaults{QPS: 3, Burst: 6, Connections: 4}, time.Second)

	l.AllowQPS("d", 1)
	clk.advance(time.Hour)
	l.Sweep()

	info := l.Tenants()
	if len(info) != 0 {
		t.Fatal("tenant survived sweep")
	}
	s := l.Snapshot("d")
	if s.Limit != 3 || s.Remaining != 6 {
		t.Errorf("recreated tenant limits: got %+v, want defaults", s)
	}
}

func TestViolationHook(t *testing.T) {
	l, _ := newTestLimiter(Defaults{QPS: 1, Burst: 1, Connections: 1}, 0)

	var kinds []string
	l.OnViolation = func(kind string) { kinds = append(kinds, kind) }

	l.AddConnection("v")
	l.AllowConnection("v")
	l.AllowQPS("v", 1)
	l.AllowQPS("v", 1)

	if len(kinds) != 2 || kinds[0] != "connection" || kinds[1] != "qps" {
		t.Errorf("violations: got %v, want [connection qps]", kinds)
	}
}

func TestConcurrentTenants(t *testing.T) {
	l, _ := newTestLimiter(Defaults{QPS: 1000, Burst: 1000, Connections: 1000}, 0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tid := string(rune('a' + id%4))
			for i := 0; i < 100; i++ {
				l.AllowConnection(tid)
				l.AddConnection(tid)
				l.AllowQPS(tid, 1)
				l.RemoveConnection(tid)
			}
		}(w)
	}
	wg.Wait()

	for tid, info := range l.Tenants() {
		if info.Active != 0 {
			t.Errorf("tenant %s leaked %d connections", tid, info.Active)
		}
	}
}
