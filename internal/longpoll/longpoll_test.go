package longpoll

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/configstore"
	"github.com/batata-io/batata/internal/store"
	"github.com/batata-io/batata/internal/store/kvstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *configstore.Store) {
	t.Helper()
	backend, err := kvstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	cs := configstore.NewStore(zap.NewNop().Sugar(), backend, configstore.NewLocalApplier())
	c := NewCoordinator(zap.NewNop().Sugar(), cs, nil)
	return c, cs
}

func TestEmptyListReturnsImmediately(t *testing.T) {
	c, _ := newTestCoordinator(t)
	start := time.Now()
	delta := c.Wait(context.Background(), "conn-1", nil, nil, 30*time.Second)
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("empty watch list should return immediately")
	}
	if len(delta) != 0 {
		t.Fatalf("delta = %v, want empty", delta)
	}
}

func TestImmediateChangeDetectedWithoutParking(t *testing.T) {
	c, cs := newTestCoordinator(t)
	key := store.ConfigKey{DataID: "app.yaml", Group: "g", Namespace: "ns"}
	_ = cs.Publish(key, "", "", "v1", "text", "", "", nil, "", "")

	entries := []ListenEntry{{Key: key, ClientMD5: "stale"}}
	start := time.Now()
	delta := c.Wait(context.Background(), "conn-1", entries, nil, 30*time.Second)
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("a key already differing should not park")
	}
	if _, ok := delta[key]; !ok {
		t.Fatalf("delta = %v, want key present", delta)
	}
}

func TestWakesOnPublishWithinDeadline(t *testing.T) {
	c, cs := newTestCoordinator(t)
	key := store.ConfigKey{DataID: "app.yaml", Group: "g", Namespace: "ns"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	entries := []ListenEntry{{Key: key, ClientMD5: "abc"}}
	result := make(chan map[store.ConfigKey]string, 1)
	start := time.Now()
	go func() {
		result <- c.Wait(context.Background(), "conn-1", entries, nil, 30*time.Second)
	}()

	time.Sleep(20 * time.Millisecond) // ensure the waiter is registered before publish
	_ = cs.Publish(key, "", "", "new-content", "text", "", "", nil, "", "")

	select {
	case delta := <-result:
		if time.Since(start) > 500*time.Millisecond {
			t.Fatalf("wake took %v, want well under the 30s deadline", time.Since(start))
		}
		if _, ok := delta[key]; !ok {
			t.Fatalf("delta = %v, want key present after publish", delta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never woke the waiter")
	}
}

func TestTimeoutReturnsEmptyDelta(t *testing.T) {
	c, _ := newTestCoordinator(t)
	key := store.ConfigKey{DataID: "d1", Group: "g", Namespace: "ns"}
	entries := []ListenEntry{{Key: key, ClientMD5: ""}}

	delta := c.Wait(context.Background(), "conn-1", entries, nil, 50*time.Millisecond)
	if len(delta) != 0 {
		t.Fatalf("delta = %v, want empty on timeout", delta)
	}
}

func TestCancelConnectionWakesWaiterEarly(t *testing.T) {
	c, _ := newTestCoordinator(t)
	key := store.ConfigKey{DataID: "d1", Group: "g", Namespace: "ns"}
	entries := []ListenEntry{{Key: key, ClientMD5: ""}}

	done := make(chan struct{})
	go func() {
		c.Wait(context.Background(), "conn-1", entries, nil, 30*time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	c.CancelConnection([]string{"conn-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CancelConnection did not wake the parked waiter")
	}
}
