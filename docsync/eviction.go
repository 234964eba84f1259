package docsync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// EvictionPolicy names the documents a sweep may remove from local
// storage. The predicate text must be self-contained (no parameters): it
// is also used to narrow subscriptions, which carry text only.
type EvictionPolicy interface {
	Collection() string
	PredicateText() string
}

// evicts documents where a boolean flag field is set, e.g. archived
type flagEvictionPolicy struct {
	collection string
	flagField  string
}

func FlagEvictionPolicy(collection string, flagField string) EvictionPolicy {
	return &flagEvictionPolicy{
		collection: collection,
		flagField:  flagField,
	}
}

func (self *flagEvictionPolicy) Collection() string {
	return self.collection
}

func (self *flagEvictionPolicy) PredicateText() string {
	return fmt.Sprintf("%s = TRUE", self.flagField)
}

// evicts documents whose numeric timestamp field (unix seconds) is older
// than the max age at sweep time
type ageEvictionPolicy struct {
	collection     string
	timestampField string
	maxAge         time.Duration
	now            func() time.Time
}

func AgeEvictionPolicy(collection string, timestampField string, maxAge time.Duration) EvictionPolicy {
	return &ageEvictionPolicy{
		collection:     collection,
		timestampField: timestampField,
		maxAge:         maxAge,
		now:            time.Now,
	}
}

func (self *ageEvictionPolicy) Collection() string {
	return self.collection
}

func (self *ageEvictionPolicy) PredicateText() string {
	cutoff := float64(self.now().Add(-self.maxAge).Unix())
	return fmt.Sprintf("%s < %s", self.timestampField, strconv.FormatFloat(cutoff, 'f', -1, 64))
}

type EvictionManagerSettings struct {
	// sweeps closer together than this are skipped
	MinSweepInterval time.Duration
	// interval of the automatic sweeper
	SweepInterval time.Duration
	// documents removed per eviction pass. Each pass is atomic with
	// respect to queries; chunking keeps the pause bounded.
	ChunkLimit int
}

func DefaultEvictionManagerSettings() *EvictionManagerSettings {
	return &EvictionManagerSettings{
		MinSweepInterval: 30 * time.Second,
		SweepInterval:    10 * time.Minute,
		ChunkLimit:       256,
	}
}

// EvictionManager reclaims local storage by removing documents that match
// the registered policies. Eviction is local-only: nothing replicates and
// no tombstone is produced.
//
// The resync trap: evicting a document an active subscription still
// matches only makes the peer send it again. Before each sweep the
// manager narrows every affected subscription with the policy's negated
// predicate, so evicted documents stop arriving.
type EvictionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	executor   *Executor
	replicator *Replicator
	settings   *EvictionManagerSettings

	stateLock sync.Mutex
	policies  []EvictionPolicy
	lastSweep time.Time
	// narrowing state per live subscription. The narrowed predicate is
	// always recomposed from the base text, so a moving exclusion (an age
	// cutoff) re-narrows instead of stacking NOT clauses forever.
	narrowed map[Id]*narrowedSubscription
}

type narrowedSubscription struct {
	// the subscription's predicate before any narrowing
	baseText string
	// the exclusion last applied per policy index
	excludes map[int]string
}

func NewEvictionManagerWithDefaults(ctx context.Context, executor *Executor, replicator *Replicator) *EvictionManager {
	return NewEvictionManager(ctx, executor, replicator, DefaultEvictionManagerSettings())
}

// replicator may be nil on a node that never subscribes
func NewEvictionManager(ctx context.Context, executor *Executor, replicator *Replicator, settings *EvictionManagerSettings) *EvictionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &EvictionManager{
		ctx:        cancelCtx,
		cancel:     cancel,
		executor:   executor,
		replicator: replicator,
		settings:   settings,
		narrowed:   map[Id]*narrowedSubscription{},
	}
}

func (self *EvictionManager) AddPolicy(policy EvictionPolicy) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.policies = append(self.policies, policy)
}

// Start runs periodic sweeps until the context is cancelled.
func (self *EvictionManager) Start() {
	go HandleError(func() {
		ticker := time.NewTicker(self.settings.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-self.ctx.Done():
				return
			case <-ticker.C:
				self.Sweep()
			}
		}
	})
}

func (self *EvictionManager) Close() {
	self.cancel()
}

// Sweep runs every policy once and returns the number of evicted
// documents. Sweeps are rate limited by MinSweepInterval.
func (self *EvictionManager) Sweep() int {
	self.stateLock.Lock()
	now := time.Now()
	if now.Sub(self.lastSweep) < self.settings.MinSweepInterval {
		self.stateLock.Unlock()
		glog.V(2).Infof("[eviction]sweep skipped, rate limited")
		return 0
	}
	self.lastSweep = now
	policies := make([]EvictionPolicy, len(self.policies))
	copy(policies, self.policies)
	self.stateLock.Unlock()

	evictedCount := 0
	for policyIndex, policy := range policies {
		evictedCount += self.sweepPolicy(policyIndex, policy)
	}
	return evictedCount
}

func (self *EvictionManager) sweepPolicy(policyIndex int, policy EvictionPolicy) int {
	predicateText := policy.PredicateText()

	if self.replicator != nil {
		self.guardSubscriptions(policyIndex, policy, predicateText)
		// a subscription that still matches would pull every evicted
		// document straight back; skip the policy rather than loop
		if snapshot := self.firstMatch(policy, predicateText); snapshot != nil {
			if self.replicator.EvictionWouldResync(snapshot) {
				glog.Warningf("[eviction]%s skipped, an active subscription still matches", policy.Collection())
				return 0
			}
		}
	}

	// evict in bounded passes so one sweep never holds a collection for
	// its full size
	evictStatement := fmt.Sprintf(
		"EVICT FROM %s WHERE %s LIMIT %d",
		policy.Collection(), predicateText, self.settings.ChunkLimit,
	)
	evictedCount := 0
	for {
		result, err := self.executor.Execute(evictStatement, nil)
		if err != nil {
			glog.Errorf("[eviction]%s err = %s", policy.Collection(), err)
			return evictedCount
		}
		evictedCount += result.MutationCount
		if result.MutationCount < self.settings.ChunkLimit {
			break
		}
	}
	if 0 < evictedCount {
		glog.Infof("[eviction]%s evicted %d", policy.Collection(), evictedCount)
	}
	return evictedCount
}

// guardSubscriptions narrows every live subscription on the policy's
// collection so that documents about to be evicted stop matching. Without
// this, the peer resends each evicted document on the next exchange and
// the sweep loops forever. When the policy's exclusion moved since the
// last sweep (an age cutoff does, every sweep), the subscription is
// re-narrowed from its base predicate.
func (self *EvictionManager) guardSubscriptions(policyIndex int, policy EvictionPolicy, excludePredicateText string) {
	for _, subscription := range self.replicator.OutboundSubscriptions() {
		if subscription.Collection() != policy.Collection() {
			continue
		}
		self.stateLock.Lock()
		previous := self.narrowed[subscription.SubscriptionId()]
		state := &narrowedSubscription{
			baseText: subscription.PredicateText(),
			excludes: map[int]string{},
		}
		if previous != nil {
			state.baseText = previous.baseText
			maps.Copy(state.excludes, previous.excludes)
		}
		upToDate := state.excludes[policyIndex] == excludePredicateText
		self.stateLock.Unlock()
		if upToDate {
			continue
		}
		state.excludes[policyIndex] = excludePredicateText

		replacement, err := self.replicator.SwapSubscription(subscription.SubscriptionId(), composeNarrowedPredicate(state))
		if err != nil {
			glog.Warningf("[eviction]narrow subscription %s err = %s", subscription.SubscriptionId(), err)
			continue
		}
		self.stateLock.Lock()
		delete(self.narrowed, subscription.SubscriptionId())
		self.narrowed[replacement.SubscriptionId()] = state
		self.stateLock.Unlock()
		glog.V(1).Infof("[eviction]narrowed subscription %s -> %s", subscription.SubscriptionId(), replacement.SubscriptionId())
	}
}

// (base) AND NOT (e1) AND NOT (e2) ..., in stable policy order
func composeNarrowedPredicate(state *narrowedSubscription) string {
	policyIndexes := maps.Keys(state.excludes)
	sort.Ints(policyIndexes)

	parts := []string{}
	if state.baseText != "" {
		parts = append(parts, fmt.Sprintf("(%s)", state.baseText))
	}
	for _, policyIndex := range policyIndexes {
		parts = append(parts, fmt.Sprintf("NOT (%s)", state.excludes[policyIndex]))
	}
	return strings.Join(parts, " AND ")
}

// firstMatch fetches one live document the policy would evict, for the
// resync safety check.
func (self *EvictionManager) firstMatch(policy EvictionPolicy, predicateText string) *DocumentSnapshot {
	selectStatement := fmt.Sprintf(
		"SELECT * FROM %s WHERE %s LIMIT 1",
		policy.Collection(), predicateText,
	)
	result, err := self.executor.Execute(selectStatement, nil)
	if err != nil || len(result.Items) == 0 {
		return nil
	}
	return result.Items[0].snapshot
}
