package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/glowd/internal/machine"
)

type fakeDaemon struct {
	mu        sync.Mutex
	profiles  []string
	failLoads int
	loads     []string
	closed    bool
}

func (f *fakeDaemon) Profiles() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles, nil
}

func (f *fakeDaemon) LoadProfile(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoads > 0 {
		f.failLoads--
		return errors.New("connection reset")
	}
	f.loads = append(f.loads, name)
	return nil
}

func (f *fakeDaemon) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDaemon) loaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loads...)
}

// fakeConnector hands out daemons, optionally refusing the first few
// connection attempts.
type fakeConnector struct {
	mu           sync.Mutex
	daemon       *fakeDaemon
	failConnects int
	connects     int
}

func (f *fakeConnector) connect(_ context.Context) (Daemon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return nil, errors.New("connection refused")
	}
	return f.daemon, nil
}

func testConfig() Config {
	return Config{
		OnProfile:   "On",
		OffProfile:  "Off",
		MinBackoff:  time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}
}

func startDispatcher(t *testing.T, d *Dispatcher) chan machine.Intent {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	intents := make(chan machine.Intent, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, intents)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return intents
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeliversProfileForIntent(t *testing.T) {
	daemon := &fakeDaemon{profiles: []string{"On", "Off"}}
	conn := &fakeConnector{daemon: daemon}
	d := New(testConfig(), conn.connect, nil)

	intents := startDispatcher(t, d)
	intents <- machine.Intent{On: false, Seq: 1}

	waitFor(t, "off profile load", func() bool {
		got := daemon.loaded()
		return len(got) == 1 && got[0] == "Off"
	})
	waitFor(t, "delivery record", func() bool { return d.LastDelivered().Seq == 1 })
}

func TestRetriesThenDeliversOnce(t *testing.T) {
	// Two failed sends, success on the third attempt: the daemon must
	// observe exactly one load.
	daemon := &fakeDaemon{profiles: []string{"On", "Off"}, failLoads: 2}
	conn := &fakeConnector{daemon: daemon}
	d := New(testConfig(), conn.connect, nil)

	intents := startDispatcher(t, d)
	intents <- machine.Intent{On: false, Seq: 1}

	waitFor(t, "single off load after retries", func() bool {
		return len(daemon.loaded()) == 1
	})

	// Allow any stray extra attempt to surface before asserting.
	time.Sleep(20 * time.Millisecond)
	if got := daemon.loaded(); len(got) != 1 || got[0] != "Off" {
		t.Fatalf("daemon observed loads %v, want exactly one Off", got)
	}
}

func TestReconnectsAfterConnectFailures(t *testing.T) {
	daemon := &fakeDaemon{profiles: []string{"On", "Off"}}
	conn := &fakeConnector{daemon: daemon, failConnects: 2}
	d := New(testConfig(), conn.connect, nil)

	intents := startDispatcher(t, d)
	intents <- machine.Intent{On: true, Seq: 1}

	waitFor(t, "load after reconnects", func() bool {
		got := daemon.loaded()
		return len(got) == 1 && got[0] == "On"
	})
}

func TestNewestIntentSupersedesPending(t *testing.T) {
	daemon := &fakeDaemon{profiles: []string{"On", "Off"}}
	conn := &fakeConnector{daemon: daemon}
	d := New(testConfig(), conn.connect, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Both intents are queued before the dispatcher starts; the older one
	// must be coalesced away, never delivered out of order.
	intents := make(chan machine.Intent, 2)
	intents <- machine.Intent{On: false, Seq: 1}
	intents <- machine.Intent{On: true, Seq: 2}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, intents)
	}()

	waitFor(t, "newest intent delivered", func() bool { return d.LastDelivered().Seq == 2 })

	time.Sleep(20 * time.Millisecond)
	got := daemon.loaded()
	if len(got) != 1 || got[0] != "On" {
		t.Fatalf("daemon observed loads %v, want exactly one On", got)
	}

	cancel()
	<-done
}

func TestStaleIntentDropped(t *testing.T) {
	daemon := &fakeDaemon{profiles: []string{"On", "Off"}}
	conn := &fakeConnector{daemon: daemon}
	d := New(testConfig(), conn.connect, nil)

	intents := startDispatcher(t, d)

	intents <- machine.Intent{On: true, Seq: 5}
	waitFor(t, "seq 5 delivered", func() bool { return d.LastDelivered().Seq == 5 })

	intents <- machine.Intent{On: false, Seq: 4}

	time.Sleep(20 * time.Millisecond)
	if got := daemon.loaded(); len(got) != 1 {
		t.Fatalf("daemon observed loads %v, stale intent must not be delivered", got)
	}
}

func TestMissingProfileAcknowledged(t *testing.T) {
	// The daemon has no "Off" profile: the intent is acked without a load
	// instead of being retried forever.
	daemon := &fakeDaemon{profiles: []string{"Rainbow"}}
	conn := &fakeConnector{daemon: daemon}
	d := New(testConfig(), conn.connect, nil)

	intents := startDispatcher(t, d)
	intents <- machine.Intent{On: false, Seq: 1}

	waitFor(t, "missing profile acked", func() bool { return d.LastDelivered().Seq == 1 })
	if got := daemon.loaded(); len(got) != 0 {
		t.Fatalf("daemon observed loads %v, want none", got)
	}
}
