package docsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestEvictionSettings() *EvictionManagerSettings {
	return &EvictionManagerSettings{
		MinSweepInterval: 0,
		SweepInterval:    time.Hour,
		ChunkLimit:       2,
	}
}

func TestEvictionSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	manager := NewEvictionManager(ctx, executor, nil, newTestEvictionSettings())
	defer manager.Close()
	manager.AddPolicy(FlagEvictionPolicy("orders", "archived"))

	for i := 0; i < 5; i += 1 {
		mustExec(t, executor, fmt.Sprintf("INSERT INTO orders VALUES {id: 'o%d', archived: TRUE}", i), nil)
	}
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'keep', archived: FALSE}", nil)

	// the chunk limit forces multiple passes within one sweep
	evictedCount := manager.Sweep()
	assert.Equal(t, evictedCount, 5)
	assert.Equal(t, executor.Store().Contains("orders", "keep"), true)
	assert.Equal(t, executor.Store().Contains("orders", "o0"), false)

	// nothing replicates from eviction
	deltas := executor.Store().ProduceDeltas(0, Id{})
	assert.Equal(t, len(deltas), 1)
	assert.Equal(t, deltas[0].Id, DocumentId("keep"))
}

func TestEvictionRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	settings := newTestEvictionSettings()
	settings.MinSweepInterval = time.Hour
	manager := NewEvictionManager(ctx, executor, nil, settings)
	defer manager.Close()
	manager.AddPolicy(FlagEvictionPolicy("orders", "archived"))

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', archived: TRUE}", nil)
	assert.Equal(t, manager.Sweep(), 1)

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o2', archived: TRUE}", nil)
	// inside the rate limit window: skipped
	assert.Equal(t, manager.Sweep(), 0)
	assert.Equal(t, executor.Store().Contains("orders", "o2"), true)
}

func TestAgeEvictionPolicy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	manager := NewEvictionManager(ctx, executor, nil, newTestEvictionSettings())
	defer manager.Close()
	manager.AddPolicy(AgeEvictionPolicy("events", "at", time.Hour))

	old := float64(time.Now().Add(-2 * time.Hour).Unix())
	fresh := float64(time.Now().Unix())
	mustExec(t, executor, "INSERT INTO events VALUES {id: 'old', at: :at}", map[string]any{"at": old})
	mustExec(t, executor, "INSERT INTO events VALUES {id: 'fresh', at: :at}", map[string]any{"at": fresh})

	assert.Equal(t, manager.Sweep(), 1)
	assert.Equal(t, executor.Store().Contains("events", "old"), false)
	assert.Equal(t, executor.Store().Contains("events", "fresh"), true)
}

// the predicate text of the replicator's only inbound subscription, or ""
// while it has none, several, or an unfiltered one
func singleInboundPredicate(replicator *Replicator) string {
	replicator.stateLock.Lock()
	defer replicator.stateLock.Unlock()
	if len(replicator.inbound) != 1 {
		return ""
	}
	for _, subscription := range replicator.inbound {
		return subscription.predicateText
	}
	return ""
}

func TestEvictionSubscriptionGuard(t *testing.T) {
	// B subscribes to A and then evicts archived orders. Without
	// narrowing the subscription first, A would resend every evicted
	// document and the sweep would loop forever.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b, _ := testWriters()
	peerA := newReplicationPeer(ctx, a)
	peerB := newReplicationPeer(ctx, b)
	defer peerA.replicator.Close()
	defer peerB.replicator.Close()
	connectPeers(peerA, peerB)

	subscription, err := peerB.replicator.Subscribe(a, "orders", "")
	assert.Equal(t, err, nil)

	mustExec(t, peerA.executor, "INSERT INTO orders VALUES {id: 'done1', archived: TRUE}", nil)
	mustExec(t, peerA.executor, "INSERT INTO orders VALUES {id: 'live1', archived: FALSE}", nil)

	waitFor(t, "both documents at B", func() bool {
		return peerB.store.Contains("orders", "done1") && peerB.store.Contains("orders", "live1")
	})

	manager := NewEvictionManager(ctx, peerB.executor, peerB.replicator, newTestEvictionSettings())
	defer manager.Close()
	manager.AddPolicy(FlagEvictionPolicy("orders", "archived"))

	assert.Equal(t, manager.Sweep(), 1)
	assert.Equal(t, peerB.store.Contains("orders", "done1"), false)
	assert.Equal(t, peerB.store.Contains("orders", "live1"), true)

	// the original subscription was narrowed away
	states := peerB.replicator.SubscriptionStates()
	_, ok := states[subscription.SubscriptionId()]
	assert.Equal(t, ok, false)

	// wait for the narrowed predicate, not just a single registration: the
	// match-all original is alone in the map until A processes the swap
	waitFor(t, "narrowed subscription at A", func() bool {
		return singleInboundPredicate(peerA.replicator) != ""
	})

	// new matching documents still arrive, new archived ones do not, and
	// the evicted document never comes back
	mustExec(t, peerA.executor, "INSERT INTO orders VALUES {id: 'live2', archived: FALSE}", nil)
	mustExec(t, peerA.executor, "INSERT INTO orders VALUES {id: 'done2', archived: TRUE}", nil)

	waitFor(t, "live document arrives", func() bool {
		return peerB.store.Contains("orders", "live2")
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, peerB.store.Contains("orders", "done2"), false)
	assert.Equal(t, peerB.store.Contains("orders", "done1"), false)
}

func TestAgeEvictionRenarrow(t *testing.T) {
	// an age cutoff moves every sweep, so the guard must recompose the
	// narrowed predicate instead of applying the first cutoff once:
	// documents that age later would otherwise evict and resync forever
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b, _ := testWriters()
	peerA := newReplicationPeer(ctx, a)
	peerB := newReplicationPeer(ctx, b)
	defer peerA.replicator.Close()
	defer peerB.replicator.Close()
	connectPeers(peerA, peerB)

	_, err := peerB.replicator.Subscribe(a, "events", "")
	assert.Equal(t, err, nil)

	base := time.Now()
	clock := base
	policy := &ageEvictionPolicy{
		collection:     "events",
		timestampField: "at",
		maxAge:         time.Hour,
		now:            func() time.Time { return clock },
	}

	old := float64(base.Add(-2 * time.Hour).Unix())
	recent := float64(base.Add(-30 * time.Minute).Unix())
	mustExec(t, peerA.executor, "INSERT INTO events VALUES {id: 'e1', at: :at}", map[string]any{"at": old})
	mustExec(t, peerA.executor, "INSERT INTO events VALUES {id: 'e2', at: :at}", map[string]any{"at": recent})
	waitFor(t, "both events at B", func() bool {
		return peerB.store.Contains("events", "e1") && peerB.store.Contains("events", "e2")
	})

	manager := NewEvictionManager(ctx, peerB.executor, peerB.replicator, newTestEvictionSettings())
	defer manager.Close()
	manager.AddPolicy(policy)

	assert.Equal(t, manager.Sweep(), 1)
	assert.Equal(t, peerB.store.Contains("events", "e1"), false)
	assert.Equal(t, peerB.store.Contains("events", "e2"), true)

	var firstNarrow string
	waitFor(t, "narrowed subscription at A", func() bool {
		firstNarrow = singleInboundPredicate(peerA.replicator)
		return firstNarrow != ""
	})

	// two hours later e2 has aged past the cutoff
	clock = base.Add(2 * time.Hour)
	assert.Equal(t, manager.Sweep(), 1)
	assert.Equal(t, peerB.store.Contains("events", "e2"), false)

	waitFor(t, "re-narrowed subscription at A", func() bool {
		text := singleInboundPredicate(peerA.replicator)
		return text != "" && text != firstNarrow
	})

	// fresh documents still arrive, the evicted ones never come back
	fresh := float64(base.Add(2 * time.Hour).Unix())
	mustExec(t, peerA.executor, "INSERT INTO events VALUES {id: 'e3', at: :at}", map[string]any{"at": fresh})
	waitFor(t, "fresh event arrives", func() bool {
		return peerB.store.Contains("events", "e3")
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, peerB.store.Contains("events", "e1"), false)
	assert.Equal(t, peerB.store.Contains("events", "e2"), false)
}

func TestEvictionWouldResync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b, _ := testWriters()
	peer := newReplicationPeer(ctx, a)
	defer peer.replicator.Close()

	mustExec(t, peer.executor, "INSERT INTO orders VALUES {id: 'open1', status: 'open'}", nil)
	mustExec(t, peer.executor, "INSERT INTO orders VALUES {id: 'done1', status: 'done'}", nil)
	mustExec(t, peer.executor, "INSERT INTO events VALUES {id: 'e1'}", nil)

	_, err := peer.replicator.Subscribe(b, "orders", "status = 'open'")
	assert.Equal(t, err, nil)

	assert.Equal(t, peer.replicator.EvictionWouldResync(peer.store.Get("orders", "open1")), true)
	assert.Equal(t, peer.replicator.EvictionWouldResync(peer.store.Get("orders", "done1")), false)
	assert.Equal(t, peer.replicator.EvictionWouldResync(peer.store.Get("events", "e1")), false)
}
