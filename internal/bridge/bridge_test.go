package bridge

import (
	"testing"
	"time"

	"github.com/worldline-go/types"
)

func TestRoundRobinS5(t *testing.T) {
	rr := NewRoundRobinIndex()

	want := []int{0, 1, 2, 0, 1, 2}
	for i, w := range want {
		if got := rr.Next("m1", 3); got != w {
			t.Fatalf("dispatch %d: got endpoint %d, want %d", i, got, w)
		}
	}

	if idx := rr.Peek("m1"); idx != 0 {
		t.Errorf("final index = %d, want 0", idx)
	}
}

func TestRoundRobinDistributionInvariant(t *testing.T) {
	// Invariant 5: endpoint i chosen ceil((m-i)/n) times over m dispatches.
	n, m := 4, 10
	rr := NewRoundRobinIndex()
	counts := make([]int, n)
	for i := 0; i < m; i++ {
		counts[rr.Next("model", n)]++
	}

	for i := 0; i < n; i++ {
		want := (m - i + n - 1) / n
		if i >= m {
			want = 0
		}
		if counts[i] != want {
			t.Errorf("endpoint %d chosen %d times, want %d", i, counts[i], want)
		}
	}
}

func TestRegistryOrphanAndLifecycle(t *testing.T) {
	reg := NewRequestRegistry()

	if _, ok := reg.Queue("missing"); ok {
		t.Fatal("expected orphan lookup to fail")
	}

	rec := &RequestRecord{RequestID: "r1", CreatedAt: time.Now()}
	q := reg.Create(rec, 4)

	if got, ok := reg.Queue("r1"); !ok || got == nil {
		t.Fatal("expected queue to be found")
	}

	q <- []byte(`"hello"`)
	if got := <-q; string(got) != `"hello"` {
		t.Errorf("fragment = %s", got)
	}

	reg.Remove("r1")
	if _, ok := reg.Queue("r1"); ok {
		t.Fatal("expected queue removed")
	}
	if _, open := <-q; open {
		t.Error("expected queue closed after Remove")
	}

	// Removing twice must not panic (exactly-once removal).
	reg.Remove("r1")
}

func TestRegistryReapOlderThan(t *testing.T) {
	reg := NewRequestRegistry()
	old := &RequestRecord{RequestID: "old", CreatedAt: time.Now().Add(-time.Hour)}
	fresh := &RequestRecord{RequestID: "fresh", CreatedAt: time.Now()}

	oldQ := reg.Create(old, 1)
	reg.Create(fresh, 1)

	reaped := reg.ReapOlderThan(time.Now().Add(-time.Minute), []byte(`{"error":"metadata timeout"}`))
	if len(reaped) != 1 || reaped[0] != "old" {
		t.Fatalf("reaped = %v, want [old]", reaped)
	}

	if _, ok := reg.Queue("old"); ok {
		t.Error("expected old request reaped")
	}
	if _, ok := reg.Queue("fresh"); !ok {
		t.Error("expected fresh request to survive")
	}

	frag, open := <-oldQ
	if !open {
		t.Fatal("expected terminal fragment before close")
	}
	if string(frag) != `{"error":"metadata timeout"}` {
		t.Errorf("terminal fragment = %s", frag)
	}
}

func TestDisabledEndpointsAutoRecovery(t *testing.T) {
	d := NewDisabledEndpoints()
	d.Disable("A")

	if !d.IsDisabled("A", time.Minute) {
		t.Fatal("expected A disabled within recovery window")
	}

	if d.IsDisabled("A", 0) {
		t.Fatal("expected immediate recovery with zero window")
	}
	if d.IsDisabled("A", time.Minute) {
		t.Fatal("expected A to have been re-enabled after expiry check removed it")
	}
}

func TestDisabledEndpointsSweep(t *testing.T) {
	d := NewDisabledEndpoints()
	d.Disable("A")
	d.Disable("B")

	reenabled := d.Sweep(0)
	if len(reenabled) != 2 {
		t.Fatalf("reenabled = %v, want 2 entries", reenabled)
	}
	if d.IsDisabled("A", time.Hour) {
		t.Error("expected A re-enabled by sweep")
	}
}

func TestPendingQueueFIFODrain(t *testing.T) {
	q := NewPendingQueue()
	p1 := NewPendingRequest([]byte(`{}`), "")
	p2 := NewPendingRequest([]byte(`{}`), "")
	q.Push(p1)
	q.Push(p2)

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}

	drained := q.DrainAll()
	if len(drained) != 2 || drained[0] != p1 || drained[1] != p2 {
		t.Fatal("expected FIFO drain order")
	}
	if q.Len() != 0 {
		t.Error("expected queue empty after drain")
	}
}

func TestPendingRequestFulfillOnce(t *testing.T) {
	p := NewPendingRequest([]byte(`{}`), "")
	p.Fulfill(PendingResult{Response: []byte(`"ok"`)})
	p.Fulfill(PendingResult{Response: []byte(`"ignored"`)})

	res := <-p.Future
	if string(res.Response) != `"ok"` {
		t.Errorf("Response = %s, want \"ok\"", res.Response)
	}
}

func TestTokenInfoAllowsModel(t *testing.T) {
	unrestricted := TokenInfo{}
	if !unrestricted.AllowsModel("anything") {
		t.Error("unrestricted token should allow any model")
	}

	scoped := TokenInfo{AllowedModels: []string{"m1", "m2"}}
	if !scoped.AllowsModel("m1") {
		t.Error("expected m1 allowed")
	}
	if scoped.AllowsModel("m3") {
		t.Error("expected m3 disallowed")
	}
}

func TestTokenInfoExpired(t *testing.T) {
	noExpiry := TokenInfo{}
	if noExpiry.Expired() {
		t.Error("token with no expiry should never be expired")
	}

	future := TokenInfo{ExpiresAt: types.NewTimeNull(time.Now().UTC().Add(time.Hour))}
	if future.Expired() {
		t.Error("token expiring in an hour should not be expired yet")
	}

	past := TokenInfo{ExpiresAt: types.NewTimeNull(time.Now().UTC().Add(-time.Hour))}
	if !past.Expired() {
		t.Error("token that expired an hour ago should be expired")
	}
}
