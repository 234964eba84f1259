package docsync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestObserverInitialSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'open'}", nil)

	pipeline := NewObserverPipeline(ctx, executor)
	defer pipeline.Close()

	var mutex sync.Mutex
	snapshots := [][]map[string]any{}
	observer, err := pipeline.Observe("SELECT * FROM orders", nil, 1, func(result *QueryResult) {
		rows := []map[string]any{}
		for _, item := range result.Items {
			values, err := item.Values()
			assert.Equal(t, err, nil)
			rows = append(rows, values)
		}
		mutex.Lock()
		snapshots = append(snapshots, rows)
		mutex.Unlock()
	})
	assert.Equal(t, err, nil)
	defer observer.Cancel()

	waitFor(t, "initial snapshot", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(snapshots) == 1
	})
	mutex.Lock()
	assert.Equal(t, len(snapshots[0]), 1)
	assert.Equal(t, snapshots[0][0]["status"], "open")
	mutex.Unlock()
}

func TestObserverBackpressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	pipeline := NewObserverPipeline(ctx, executor)
	defer pipeline.Close()

	var mutex sync.Mutex
	deliveredCounts := []int{}
	observer, err := pipeline.Observe("SELECT * FROM orders", nil, 1, func(result *QueryResult) {
		mutex.Lock()
		deliveredCounts = append(deliveredCounts, len(result.Items))
		mutex.Unlock()
	})
	assert.Equal(t, err, nil)
	defer observer.Cancel()

	waitFor(t, "initial delivery", func() bool {
		return observer.Stats().DeliveryCount == 1
	})

	// a burst far beyond the consumer's credit: the pipeline must not
	// queue per-mutation snapshots
	const burst = 500
	for i := 0; i < burst; i += 1 {
		mustExec(t, executor, fmt.Sprintf("INSERT INTO orders VALUES {id: 'o%d', status: 'open'}", i), nil)
	}

	waitFor(t, "evaluations settle", func() bool {
		stats := observer.Stats()
		return stats.DeliveryCount == 1 && stats.Credits == 0
	})
	// no credits: still exactly one delivery, everything else collapsed
	// into the single parked snapshot
	assert.Equal(t, observer.Stats().DeliveryCount, uint64(1))

	// granting one credit delivers the latest state, not a backlog
	observer.AddCredits(1)
	waitFor(t, "latest snapshot delivered", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(deliveredCounts) == 2
	})
	mutex.Lock()
	lastCount := deliveredCounts[1]
	mutex.Unlock()

	if lastCount < 1 || burst < lastCount {
		t.Fatalf("delivered snapshot has %d items", lastCount)
	}
	assert.Equal(t, observer.Stats().DeliveryCount, uint64(2))
}

func TestObserverCursorInvalidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'open'}", nil)

	pipeline := NewObserverPipeline(ctx, executor)
	defer pipeline.Close()

	var mutex sync.Mutex
	var escaped *ResultItem
	observer, err := pipeline.Observe("SELECT * FROM orders", nil, 1, func(result *QueryResult) {
		// values are readable inside the callback
		_, err := result.Items[0].Get("status")
		assert.Equal(t, err, nil)
		mutex.Lock()
		escaped = result.Items[0]
		mutex.Unlock()
	})
	assert.Equal(t, err, nil)
	defer observer.Cancel()

	waitFor(t, "delivery", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return escaped != nil
	})

	// a cursor held past the callback is dead
	mutex.Lock()
	_, err = escaped.Get("status")
	mutex.Unlock()
	assert.Equal(t, err, ErrCursorInvalidated)
}

func TestObserverCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	pipeline := NewObserverPipeline(ctx, executor)
	defer pipeline.Close()

	var mutex sync.Mutex
	deliveryCount := 0
	observer, err := pipeline.Observe("SELECT * FROM orders", nil, 10, func(result *QueryResult) {
		mutex.Lock()
		deliveryCount += 1
		mutex.Unlock()
	})
	assert.Equal(t, err, nil)

	waitFor(t, "initial delivery", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return deliveryCount == 1
	})

	// cancel is synchronous and idempotent
	observer.Cancel()
	observer.Cancel()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'open'}", nil)
	observer.AddCredits(10)

	// no delivery may happen after cancel returned
	mutex.Lock()
	countAfterCancel := deliveryCount
	mutex.Unlock()
	assert.Equal(t, countAfterCancel, 1)
}

func TestObserverOverflowListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	pipeline := NewObserverPipeline(ctx, executor)
	defer pipeline.Close()

	var mutex sync.Mutex
	var overflowedId Id
	overflowCount := uint64(0)
	pipeline.AddOverflowListener(func(observerId Id, count uint64) {
		mutex.Lock()
		overflowedId = observerId
		overflowCount = count
		mutex.Unlock()
	})

	observer, err := pipeline.Observe("SELECT * FROM orders", nil, 1, func(result *QueryResult) {})
	assert.Equal(t, err, nil)
	defer observer.Cancel()

	waitFor(t, "initial delivery", func() bool {
		return observer.Stats().DeliveryCount == 1
	})

	// out of credits: the first extra evaluation parks and every one after
	// replaces the parked snapshot, which is what the hook reports
	insertCount := 0
	waitFor(t, "overflow reported", func() bool {
		mustExec(t, executor, fmt.Sprintf("INSERT INTO orders VALUES {id: 'o%d'}", insertCount), nil)
		insertCount += 1
		mutex.Lock()
		defer mutex.Unlock()
		return 0 < overflowCount
	})

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, overflowedId, observer.ObserverId())
	assert.Equal(t, observer.Stats().OverflowCount >= overflowCount, true)
}

func TestObservePipelineClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newTestExecutor()
	pipeline := NewObserverPipeline(ctx, executor)
	pipeline.Close()

	_, err := pipeline.Observe("SELECT * FROM orders", nil, 1, func(result *QueryResult) {})
	assert.Equal(t, err, ErrCancelled)
}
