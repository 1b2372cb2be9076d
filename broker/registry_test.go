package broker

import (
	"testing"
	"time"

	"github.com/stonehive/relay/task"
)

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	return NewRegistry(30*time.Second, 2*time.Minute, rec, testLogger()), rec
}

func TestRegisterAndList(t *testing.T) {
	r, rec := newTestRegistry(t)

	if _, err := r.Register("", nil); !task.IsValidation(err) {
		t.Fatalf("expected ValidationError for empty id, got %v", err)
	}

	c, err := r.Register("worker-1", []string{"gpu", "cpu"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if c.Liveness != LivenessActive {
		t.Errorf("liveness = %q, want active right after registration", c.Liveness)
	}
	if !rec.has("consumer:connected") {
		t.Error("missing consumer:connected event")
	}

	r.Register("worker-0", nil)
	list := r.List()
	if len(list) != 2 || list[0].ID != "worker-0" || list[1].ID != "worker-1" {
		t.Errorf("list = %+v, want sorted by id", list)
	}
}

func TestReregisterReplacesCapabilities(t *testing.T) {
	r, rec := newTestRegistry(t)

	r.Register("worker-1", []string{"gpu"})
	c, err := r.Register("worker-1", []string{"cpu"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(c.Capabilities) != 1 || c.Capabilities[0] != "cpu" {
		t.Errorf("capabilities = %v, want replaced set", c.Capabilities)
	}

	// Only the first registration announces a connection.
	count := 0
	for _, ev := range rec.events {
		if ev.Type == "consumer:connected" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("consumer:connected published %d times, want 1", count)
	}
}

func TestLivenessDerivation(t *testing.T) {
	r, _ := newTestRegistry(t)

	base := time.Now().UTC()
	r.now = func() time.Time { return base }
	r.Register("worker-1", nil)

	cases := []struct {
		age  time.Duration
		want Liveness
	}{
		{0, LivenessActive},
		{29 * time.Second, LivenessActive},
		{31 * time.Second, LivenessIdle},
		{2 * time.Minute, LivenessIdle},
		{2*time.Minute + time.Second, LivenessOffline},
		{time.Hour, LivenessOffline},
	}
	for _, c := range cases {
		r.now = func() time.Time { return base.Add(c.age) }
		got, ok := r.Get("worker-1")
		if !ok {
			t.Fatal("consumer vanished")
		}
		if got.Liveness != c.want {
			t.Errorf("age %v: liveness = %q, want %q", c.age, got.Liveness, c.want)
		}
	}
}

func TestHeartbeatRefreshes(t *testing.T) {
	r, _ := newTestRegistry(t)

	base := time.Now().UTC()
	r.now = func() time.Time { return base }
	r.Register("worker-1", nil)

	// Gone idle, then a heartbeat brings it back.
	r.now = func() time.Time { return base.Add(time.Minute) }
	if c, _ := r.Get("worker-1"); c.Liveness != LivenessIdle {
		t.Fatalf("liveness = %q, want idle", c.Liveness)
	}
	c, err := r.Heartbeat("worker-1", "processing batch 7")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if c.Liveness != LivenessActive || c.Status != "processing batch 7" {
		t.Errorf("heartbeat result wrong: %+v", c)
	}

	if _, err := r.Heartbeat("unknown", ""); !task.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestUnregister(t *testing.T) {
	r, rec := newTestRegistry(t)

	r.Register("worker-1", nil)
	if err := r.Unregister("worker-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := r.Get("worker-1"); ok {
		t.Error("consumer still present after unregister")
	}
	if !rec.has("consumer:disconnected") {
		t.Error("missing consumer:disconnected event")
	}

	if err := r.Unregister("worker-1"); !task.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestOfflineUnknownConsumer(t *testing.T) {
	r, _ := newTestRegistry(t)

	// A claimant the registry has never seen is treated as offline so its
	// tasks can be reclaimed after a broker restart.
	if !r.Offline("never-seen") {
		t.Error("unknown consumer should be offline")
	}

	r.Register("worker-1", nil)
	if r.Offline("worker-1") {
		t.Error("fresh consumer should not be offline")
	}
}

func TestCountByLiveness(t *testing.T) {
	r, _ := newTestRegistry(t)

	base := time.Now().UTC()
	r.now = func() time.Time { return base }
	r.Register("fresh", nil)

	r.now = func() time.Time { return base.Add(-time.Minute) }
	r.Register("stale", nil)
	r.now = func() time.Time { return base.Add(-time.Hour) }
	r.Register("gone", nil)

	r.now = func() time.Time { return base }
	counts := r.CountByLiveness()
	if counts[LivenessActive] != 1 || counts[LivenessIdle] != 1 || counts[LivenessOffline] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
