package docsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// delivery callback for one observed query. The result's cursors are
// valid only until the callback returns; extract concrete values inside.
type ObserverDelivery func(result *QueryResult)

type ObserverStats struct {
	Credits       int
	DeliveryCount uint64
	// times a parked snapshot was replaced by a newer one because the
	// consumer had no credits
	OverflowCount uint64
}

// Observer is one registered query over the pipeline.
//
// Backpressure is credit-based: each delivery consumes one credit, and a
// consumer with no credits parks at most one pending snapshot. A newer
// snapshot replaces the parked one, so a slow consumer degrades to
// latest-state delivery instead of building a queue.
type Observer struct {
	pipeline   *ObserverPipeline
	observerId Id

	collection string
	statement  *SelectStatement
	params     map[string]any
	callback   ObserverDelivery

	notify chan struct{}
	done   chan struct{}

	// serializes callback execution; Cancel waits on it so no callback
	// runs after Cancel returns
	deliverLock sync.Mutex

	mutex         sync.Mutex
	credits       int
	pending       *QueryResult
	cancelled     bool
	deliveryCount uint64
	overflowCount uint64
}

func (self *Observer) ObserverId() Id {
	return self.observerId
}

func (self *Observer) Stats() ObserverStats {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return ObserverStats{
		Credits:       self.credits,
		DeliveryCount: self.deliveryCount,
		OverflowCount: self.overflowCount,
	}
}

// AddCredits grants the consumer capacity for more deliveries. A parked
// snapshot is delivered immediately against the new credit.
func (self *Observer) AddCredits(credits int) {
	self.mutex.Lock()
	if self.cancelled {
		self.mutex.Unlock()
		return
	}
	self.credits += credits
	var deliver *QueryResult
	if self.pending != nil && 0 < self.credits {
		deliver = self.pending
		self.pending = nil
		self.credits -= 1
		self.deliveryCount += 1
	}
	self.mutex.Unlock()

	if deliver != nil {
		self.runCallback(deliver)
	}
}

// Cancel stops the observer. It is idempotent and synchronous: once it
// returns, no callback is running and none will run again.
func (self *Observer) Cancel() {
	self.mutex.Lock()
	if self.cancelled {
		self.mutex.Unlock()
		return
	}
	self.cancelled = true
	self.pending = nil
	close(self.done)
	self.mutex.Unlock()

	// wait out an in-flight callback
	self.deliverLock.Lock()
	self.deliverLock.Unlock()

	self.pipeline.remove(self.observerId)
}

// offer hands a fresh evaluation to the consumer, or parks it when the
// consumer is out of credits. Only the latest snapshot is kept.
func (self *Observer) offer(result *QueryResult) {
	self.mutex.Lock()
	if self.cancelled {
		self.mutex.Unlock()
		return
	}
	if self.credits <= 0 {
		overflowCount := uint64(0)
		if self.pending != nil {
			self.overflowCount += 1
			overflowCount = self.overflowCount
			if self.overflowCount%1000 == 1 {
				glog.Warningf("[observer]%s consumer is behind, dropped %d snapshots", self.observerId, self.overflowCount)
			}
		}
		self.pending = result
		self.mutex.Unlock()
		if 0 < overflowCount {
			self.pipeline.notifyOverflow(self.observerId, overflowCount)
		}
		return
	}
	self.credits -= 1
	self.deliveryCount += 1
	self.mutex.Unlock()

	self.runCallback(result)
}

func (self *Observer) runCallback(result *QueryResult) {
	self.deliverLock.Lock()
	defer self.deliverLock.Unlock()

	self.mutex.Lock()
	cancelled := self.cancelled
	self.mutex.Unlock()
	if cancelled {
		return
	}

	HandleError(func() {
		self.callback(result)
	})
	// the callback returned; its cursors no longer see storage
	for _, item := range result.Items {
		item.invalidate()
	}
}

func (self *Observer) run() {
	for {
		select {
		case <-self.done:
			return
		case <-self.notify:
		}

		// coalesce bursts: drain the notification before evaluating
		for {
			select {
			case <-self.notify:
				continue
			default:
			}
			break
		}

		result, err := self.pipeline.executor.ExecuteParsed(self.statement, self.params)
		if err != nil {
			glog.Errorf("[observer]%s evaluate err = %s", self.observerId, err)
			continue
		}
		self.offer(result)
	}
}

// monitoring hook for a consumer falling behind its credits
type ObserverOverflowFunction func(observerId Id, overflowCount uint64)

// ObserverPipeline re-evaluates registered queries when their collections
// change and delivers snapshots under per-observer backpressure.
type ObserverPipeline struct {
	ctx    context.Context
	cancel context.CancelFunc

	executor *Executor

	stateLock sync.Mutex
	observers map[Id]*Observer

	overflowCallbacks *CallbackList[ObserverOverflowFunction]

	removeChangeListener func()
}

func NewObserverPipeline(ctx context.Context, executor *Executor) *ObserverPipeline {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &ObserverPipeline{
		ctx:               cancelCtx,
		cancel:            cancel,
		executor:          executor,
		observers:         map[Id]*Observer{},
		overflowCallbacks: NewCallbackList[ObserverOverflowFunction](),
	}
	self.removeChangeListener = executor.Store().AddChangeListener(func(event *ChangeEvent) {
		self.notifyCollection(event.Collection)
	})
	return self
}

// Observe registers a standing query. The first snapshot is evaluated and
// delivered immediately, consuming one credit.
func (self *ObserverPipeline) Observe(
	query string,
	params map[string]any,
	initialCredits int,
	callback ObserverDelivery,
) (*Observer, error) {
	if self.ctx.Err() != nil {
		return nil, ErrCancelled
	}
	parsed, err := ParseStatement(query)
	if err != nil {
		return nil, err
	}
	selectStatement, ok := parsed.(*SelectStatement)
	if !ok {
		return nil, fmt.Errorf("only SELECT statements can be observed")
	}

	observer := &Observer{
		pipeline:   self,
		observerId: NewId(),
		collection: selectStatement.Collection,
		statement:  selectStatement,
		params:     params,
		callback:   callback,
		credits:    initialCredits,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	self.stateLock.Lock()
	self.observers[observer.observerId] = observer
	self.stateLock.Unlock()

	go HandleError(observer.run)

	// initial snapshot
	result, err := self.executor.ExecuteParsed(selectStatement, params)
	if err != nil {
		observer.Cancel()
		return nil, err
	}
	observer.offer(result)

	glog.V(1).Infof("[observer]observe %s on %s", observer.observerId, observer.collection)
	return observer, nil
}

// AddOverflowListener registers a monitoring hook called whenever an
// observer's parked snapshot is replaced because its consumer is behind.
func (self *ObserverPipeline) AddOverflowListener(listener ObserverOverflowFunction) func() {
	return self.overflowCallbacks.Add(listener)
}

func (self *ObserverPipeline) notifyOverflow(observerId Id, overflowCount uint64) {
	for _, callback := range self.overflowCallbacks.Get() {
		HandleError(func() {
			callback(observerId, overflowCount)
		})
	}
}

func (self *ObserverPipeline) notifyCollection(collection string) {
	self.stateLock.Lock()
	observers := maps.Values(self.observers)
	self.stateLock.Unlock()

	for _, observer := range observers {
		if observer.collection != collection {
			continue
		}
		select {
		case observer.notify <- struct{}{}:
		default:
			// an evaluation is already queued
		}
	}
}

func (self *ObserverPipeline) remove(observerId Id) {
	self.stateLock.Lock()
	delete(self.observers, observerId)
	self.stateLock.Unlock()
}

func (self *ObserverPipeline) Close() {
	self.cancel()
	self.removeChangeListener()

	self.stateLock.Lock()
	observers := maps.Values(self.observers)
	self.stateLock.Unlock()
	for _, observer := range observers {
		observer.Cancel()
	}
}
