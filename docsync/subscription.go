package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type SubscriptionState int

const (
	// registered locally, not yet acknowledged by the peer
	SubscriptionPending SubscriptionState = iota
	SubscriptionActive
	SubscriptionCancelled
)

func (self SubscriptionState) String() string {
	switch self {
	case SubscriptionPending:
		return "pending"
	case SubscriptionActive:
		return "active"
	case SubscriptionCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

// Subscription is a standing request for a peer to send matching deltas.
// Identical (peer, collection, predicate) requests coalesce into one
// subscription with a reference count.
type Subscription struct {
	subscriptionId Id
	peerId         Id
	collection     string
	predicateText  string
	predicate      Expr

	state    SubscriptionState
	refCount int
	// highest of the peer's apply sequences this subscription has fully
	// covered, advanced by checkpoints. A new subscription starts at zero
	// so the peer backfills everything it already stores.
	resumeSeq uint64
}

func (self *Subscription) SubscriptionId() Id {
	return self.subscriptionId
}

func (self *Subscription) PeerId() Id {
	return self.peerId
}

func (self *Subscription) Collection() string {
	return self.collection
}

func (self *Subscription) PredicateText() string {
	return self.predicateText
}

// validateSubscriptionPredicate parses the predicate and rejects any that
// can filter on the tombstone field. A relay peer that never stores a
// tombstone can never forward it, so deletes would silently stop at the
// first hop that filters them.
func validateSubscriptionPredicate(predicateText string) (Expr, error) {
	if predicateText == "" {
		return nil, nil
	}
	predicate, err := ParsePredicate(predicateText)
	if err != nil {
		return nil, err
	}
	if exprReferencesField(predicate, TombstoneField) {
		return nil, ErrTombstoneFilteredPredicate
	}
	return predicate, nil
}

type subscriptionKey struct {
	peerId        Id
	collection    string
	predicateText string
}

// an inbound subscription: what a peer asked us to send
type inboundSubscription struct {
	subscriptionId Id
	peerId         Id
	collection     string
	predicateText  string
	predicate      Expr
	// highest of our apply sequences already considered for this
	// subscription. A full send pass advances it and emits a checkpoint.
	sentSeq uint64
}

type peerState struct {
	peerId  Id
	channel PeerChannel
	cancel  context.CancelFunc
}

type ReplicatorSettings struct {
	// backoff for retrying a rejected or failed subscription exchange
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
}

func DefaultReplicatorSettings() *ReplicatorSettings {
	return &ReplicatorSettings{
		RetryBackoffMin: 1 * time.Second,
		RetryBackoffMax: 60 * time.Second,
	}
}

// cursor persistence hook, so resume survives a restart. Cursors are
// per (peer, collection, predicate): a subscription re-created after a
// restart resumes where the same subscription left off, while a new
// collection or predicate starts at zero and backfills.
type replicatorPersistence interface {
	SaveSubscriptionCursor(peerId Id, collection string, predicate string, seq uint64) error
}

// a replication failure surfaced to monitoring hooks
type ReplicationErrorFunction func(peerId Id, err error)

// Replicator exchanges per-field deltas with connected peers according to
// the registered subscriptions. It is state-based: outgoing deltas are
// produced from current store state and per-subscription cursors, so there
// is no unbounded outgoing queue and duplicate delivery is harmless.
type Replicator struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *Store
	settings *ReplicatorSettings

	stateLock sync.Mutex
	peers     map[Id]*peerState
	// outbound subscriptions by id, plus the coalescing index
	outbound      map[Id]*Subscription
	outboundByKey map[subscriptionKey]*Subscription
	inbound       map[Id]*inboundSubscription
	// persisted resume cursors, applied when a matching subscription is
	// (re)created
	resumeCursors map[subscriptionKey]uint64

	sendMonitor *Monitor

	errorCallbacks *CallbackList[ReplicationErrorFunction]

	persistence replicatorPersistence

	removeChangeListener func()
}

func NewReplicatorWithDefaults(ctx context.Context, store *Store) *Replicator {
	return NewReplicator(ctx, store, DefaultReplicatorSettings())
}

func NewReplicator(ctx context.Context, store *Store, settings *ReplicatorSettings) *Replicator {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &Replicator{
		ctx:            cancelCtx,
		cancel:         cancel,
		store:          store,
		settings:       settings,
		peers:          map[Id]*peerState{},
		outbound:       map[Id]*Subscription{},
		outboundByKey:  map[subscriptionKey]*Subscription{},
		inbound:        map[Id]*inboundSubscription{},
		resumeCursors:  map[subscriptionKey]uint64{},
		sendMonitor:    NewMonitor(),
		errorCallbacks: NewCallbackList[ReplicationErrorFunction](),
	}
	self.removeChangeListener = store.AddChangeListener(func(event *ChangeEvent) {
		// evictions are local-only and must never replicate
		if event.Evicted {
			return
		}
		self.sendMonitor.NotifyAll()
	})
	return self
}

// SetPersistence attaches resume cursor persistence so subscriptions
// re-created after a restart resume instead of refetching.
func (self *Replicator) SetPersistence(persistence replicatorPersistence) {
	self.persistence = persistence
}

// AddErrorListener registers a monitoring hook for replication failures:
// rejected deltas and failed subscription negotiations.
func (self *Replicator) AddErrorListener(listener ReplicationErrorFunction) func() {
	return self.errorCallbacks.Add(listener)
}

func (self *Replicator) notifyError(peerId Id, err error) {
	for _, callback := range self.errorCallbacks.Get() {
		HandleError(func() {
			callback(peerId, err)
		})
	}
}

// Subscribe registers interest in a peer's documents. The subscription
// starts pending and becomes active when the peer acks it. An identical
// existing subscription is shared instead of duplicated.
//
// The subscription's resume cursor starts at zero, or at the persisted
// cursor for the same (peer, collection, predicate), so the peer backfills
// everything it stores for a collection this node has never synced.
func (self *Replicator) Subscribe(peerId Id, collection string, predicateText string) (*Subscription, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClosed
	}
	predicate, err := validateSubscriptionPredicate(predicateText)
	if err != nil {
		return nil, err
	}

	key := subscriptionKey{
		peerId:        peerId,
		collection:    collection,
		predicateText: predicateText,
	}

	self.stateLock.Lock()
	if subscription, ok := self.outboundByKey[key]; ok && subscription.state != SubscriptionCancelled {
		subscription.refCount += 1
		self.stateLock.Unlock()
		return subscription, nil
	}
	subscription := &Subscription{
		subscriptionId: NewId(),
		peerId:         peerId,
		collection:     collection,
		predicateText:  predicateText,
		predicate:      predicate,
		state:          SubscriptionPending,
		refCount:       1,
		resumeSeq:      self.resumeCursors[key],
	}
	self.outbound[subscription.subscriptionId] = subscription
	self.outboundByKey[key] = subscription
	peer := self.peers[peerId]
	self.stateLock.Unlock()

	if peer != nil {
		self.sendSubscribe(peer, subscription)
	}
	return subscription, nil
}

// Unsubscribe releases one reference. The peer is told to stop only when
// the last reference is released.
func (self *Replicator) Unsubscribe(subscriptionId Id) {
	self.stateLock.Lock()
	subscription, ok := self.outbound[subscriptionId]
	if !ok || subscription.state == SubscriptionCancelled {
		self.stateLock.Unlock()
		return
	}
	subscription.refCount -= 1
	if 0 < subscription.refCount {
		self.stateLock.Unlock()
		return
	}
	subscription.state = SubscriptionCancelled
	delete(self.outbound, subscriptionId)
	delete(self.outboundByKey, subscriptionKey{
		peerId:        subscription.peerId,
		collection:    subscription.collection,
		predicateText: subscription.predicateText,
	})
	peer := self.peers[subscription.peerId]
	self.stateLock.Unlock()

	if peer != nil {
		frame, err := EncodeUnsubscribe(&UnsubscribeMessage{
			SubscriptionId: subscription.subscriptionId,
		})
		if err == nil {
			self.sendFrame(peer, frame)
		}
	}
}

// OutboundSubscriptions lists the not-yet-cancelled subscriptions this
// node holds on its peers.
func (self *Replicator) OutboundSubscriptions() []*Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscriptions := make([]*Subscription, 0, len(self.outbound))
	for _, subscription := range self.outbound {
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions
}

func (self *Replicator) SubscriptionStates() map[Id]SubscriptionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	states := map[Id]SubscriptionState{}
	for subscriptionId, subscription := range self.outbound {
		states[subscriptionId] = subscription.state
	}
	return states
}

// EvictionWouldResync reports whether evicting the document would just
// make an active subscription pull it back: an evicted document a peer
// still matches re-arrives on the next exchange.
func (self *Replicator) EvictionWouldResync(snapshot *DocumentSnapshot) bool {
	self.stateLock.Lock()
	subscriptions := maps.Values(self.outbound)
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		if subscription.state == SubscriptionCancelled {
			continue
		}
		if subscription.collection != snapshot.Collection {
			continue
		}
		if subscription.predicate == nil {
			return true
		}
		ok, err := evalPredicate(snapshot, subscription.predicate, nil)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// SwapSubscription replaces a subscription with one on the same peer and
// collection under a different predicate, releasing the old reference.
func (self *Replicator) SwapSubscription(subscriptionId Id, predicateText string) (*Subscription, error) {
	self.stateLock.Lock()
	subscription, ok := self.outbound[subscriptionId]
	self.stateLock.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown subscription %s", subscriptionId)
	}

	replacement, err := self.Subscribe(subscription.peerId, subscription.collection, predicateText)
	if err != nil {
		return nil, err
	}
	self.Unsubscribe(subscriptionId)
	return replacement, nil
}

// NarrowSubscription replaces a subscription's predicate with
// (predicate) AND NOT (exclude), so documents matched by exclude stop
// arriving. Used before eviction to break the resync loop.
func (self *Replicator) NarrowSubscription(subscriptionId Id, excludePredicateText string) (*Subscription, error) {
	self.stateLock.Lock()
	subscription, ok := self.outbound[subscriptionId]
	self.stateLock.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown subscription %s", subscriptionId)
	}

	narrowedText := fmt.Sprintf("NOT (%s)", excludePredicateText)
	if subscription.predicateText != "" {
		narrowedText = fmt.Sprintf("(%s) AND NOT (%s)", subscription.predicateText, excludePredicateText)
	}
	return self.SwapSubscription(subscriptionId, narrowedText)
}

// SubscriptionResume is the subscription's checkpointed cursor into the
// peer's apply sequence.
func (self *Replicator) SubscriptionResume(subscriptionId Id) uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if subscription, ok := self.outbound[subscriptionId]; ok {
		return subscription.resumeSeq
	}
	return 0
}

// SetSubscriptionCursor primes a resume cursor, typically from persisted
// state at startup before the application re-subscribes.
func (self *Replicator) SetSubscriptionCursor(peerId Id, collection string, predicateText string, seq uint64) {
	key := subscriptionKey{
		peerId:        peerId,
		collection:    collection,
		predicateText: predicateText,
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.resumeCursors[key] = max(self.resumeCursors[key], seq)
}

// Connect attaches a channel to a peer and starts the exchange. Pending
// and active outbound subscriptions are (re)announced with their resume
// cursors, so a reconnect transfers only what changed since.
func (self *Replicator) Connect(peerId Id, channel PeerChannel) {
	peerCtx, peerCancel := context.WithCancel(self.ctx)

	self.stateLock.Lock()
	peer, ok := self.peers[peerId]
	if ok && peer.channel != nil {
		peer.channel.Close()
		if peer.cancel != nil {
			peer.cancel()
		}
	}
	if !ok {
		peer = &peerState{peerId: peerId}
		self.peers[peerId] = peer
	}
	peer.channel = channel
	peer.cancel = peerCancel
	subscriptions := []*Subscription{}
	for _, subscription := range self.outbound {
		if subscription.peerId == peerId {
			subscription.state = SubscriptionPending
			subscriptions = append(subscriptions, subscription)
		}
	}
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		self.sendSubscribe(peer, subscription)
	}

	go HandleError(func() {
		self.receiveLoop(peerCtx, peer)
	})
	go HandleError(func() {
		self.sendLoop(peerCtx, peer)
	})

	glog.V(1).Infof("[replicator]connected peer %s", peerId)
}

// Disconnect detaches the peer's channel. Subscriptions and cursors are
// kept so a later Connect resumes.
func (self *Replicator) Disconnect(peerId Id) {
	self.stateLock.Lock()
	peer, ok := self.peers[peerId]
	var channel PeerChannel
	var cancel context.CancelFunc
	if ok {
		channel = peer.channel
		cancel = peer.cancel
		peer.channel = nil
		peer.cancel = nil
	}
	self.stateLock.Unlock()

	if channel != nil {
		channel.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (self *Replicator) Close() {
	self.cancel()
	self.removeChangeListener()

	self.stateLock.Lock()
	peers := maps.Values(self.peers)
	self.stateLock.Unlock()
	for _, peer := range peers {
		if peer.channel != nil {
			peer.channel.Close()
		}
	}
}

func (self *Replicator) sendSubscribe(peer *peerState, subscription *Subscription) {
	self.stateLock.Lock()
	resumeSeq := subscription.resumeSeq
	self.stateLock.Unlock()

	frame, err := EncodeSubscribe(&SubscribeMessage{
		SubscriptionId: subscription.subscriptionId,
		Collection:     subscription.collection,
		Predicate:      subscription.predicateText,
		SinceSeq:       resumeSeq,
	})
	if err != nil {
		glog.Errorf("[replicator]encode subscribe err = %s", err)
		return
	}
	self.sendFrame(peer, frame)
}

func (self *Replicator) sendFrame(peer *peerState, frame *Frame) error {
	self.stateLock.Lock()
	channel := peer.channel
	self.stateLock.Unlock()
	if channel == nil {
		return ErrPeerNotConnected
	}
	frameBytes, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	return channel.Send(self.ctx, frameBytes)
}

// receiveLoop ingests frames from one peer until the channel closes.
// A single bad frame or rejected delta never stops ingestion.
func (self *Replicator) receiveLoop(ctx context.Context, peer *peerState) {
	for {
		self.stateLock.Lock()
		channel := peer.channel
		self.stateLock.Unlock()
		if channel == nil {
			return
		}

		frameBytes, err := channel.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				glog.V(1).Infof("[replicator]peer %s receive err = %s", peer.peerId, err)
			}
			return
		}
		frame, err := DecodeFrame(frameBytes)
		if err != nil {
			glog.Warningf("[replicator]peer %s bad frame = %s", peer.peerId, err)
			continue
		}
		self.handleFrame(peer, frame)
	}
}

func (self *Replicator) handleFrame(peer *peerState, frame *Frame) {
	switch frame.MessageType {
	case MessageTypeSubscribe:
		message, err := DecodeSubscribe(frame.Message)
		if err != nil {
			glog.Warningf("[replicator]peer %s bad subscribe = %s", peer.peerId, err)
			return
		}
		self.handleSubscribe(peer, message)
	case MessageTypeSubscribeAck:
		message, err := DecodeSubscribeAck(frame.Message)
		if err != nil {
			glog.Warningf("[replicator]peer %s bad subscribe ack = %s", peer.peerId, err)
			return
		}
		self.handleSubscribeAck(peer, message)
	case MessageTypeUnsubscribe:
		message, err := DecodeUnsubscribe(frame.Message)
		if err != nil {
			return
		}
		self.stateLock.Lock()
		delete(self.inbound, message.SubscriptionId)
		self.stateLock.Unlock()
	case MessageTypeDelta:
		delta, err := DecodeDelta(frame.Message)
		if err != nil {
			glog.Warningf("[replicator]peer %s bad delta = %s", peer.peerId, err)
			return
		}
		self.handleDelta(peer, delta)
	case MessageTypeCheckpoint:
		message, err := DecodeCheckpoint(frame.Message)
		if err != nil {
			return
		}
		self.handleCheckpoint(peer, message)
	default:
		glog.Warningf("[replicator]peer %s unknown frame type %s", peer.peerId, frame.MessageType)
	}
}

// handleSubscribe validates and registers what a peer wants from us.
// The same tombstone rule applies on this side: accepting a predicate we
// cannot relay deletes through would poison every downstream hop.
func (self *Replicator) handleSubscribe(peer *peerState, message *SubscribeMessage) {
	predicate, err := validateSubscriptionPredicate(message.Predicate)

	ack := &SubscribeAckMessage{
		SubscriptionId: message.SubscriptionId,
		Accepted:       err == nil,
	}
	if err != nil {
		ack.ErrorMessage = err.Error()
		glog.Infof("[replicator]peer %s subscribe rejected = %s", peer.peerId, err)
	} else {
		self.stateLock.Lock()
		self.inbound[message.SubscriptionId] = &inboundSubscription{
			subscriptionId: message.SubscriptionId,
			peerId:         peer.peerId,
			collection:     message.Collection,
			predicateText:  message.Predicate,
			predicate:      predicate,
			sentSeq:        message.SinceSeq,
		}
		self.stateLock.Unlock()
	}

	if frame, err := EncodeSubscribeAck(ack); err == nil {
		self.sendFrame(peer, frame)
	}
	if ack.Accepted {
		self.sendMonitor.NotifyAll()
	}
}

func (self *Replicator) handleSubscribeAck(peer *peerState, message *SubscribeAckMessage) {
	self.stateLock.Lock()
	subscription, ok := self.outbound[message.SubscriptionId]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	if message.Accepted {
		self.stateLock.Lock()
		if subscription.state == SubscriptionPending {
			subscription.state = SubscriptionActive
		}
		self.stateLock.Unlock()
		glog.V(1).Infof("[replicator]subscription %s active on peer %s", subscription.subscriptionId, peer.peerId)
		return
	}

	// negotiation failure is transient: keep the subscription pending and
	// retry with backoff
	err := &NegotiationError{
		PeerId: peer.peerId,
		Cause:  fmt.Errorf("%s", message.ErrorMessage),
	}
	glog.Warningf("[replicator]%s", err)
	self.notifyError(peer.peerId, err)
	go HandleError(func() {
		self.retrySubscribe(peer, subscription)
	})
}

func (self *Replicator) retrySubscribe(peer *peerState, subscription *Subscription) {
	backoff := self.settings.RetryBackoffMin
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(backoff):
		}

		self.stateLock.Lock()
		cancelled := subscription.state == SubscriptionCancelled
		connected := peer.channel != nil
		self.stateLock.Unlock()
		if cancelled {
			return
		}
		if connected {
			self.sendSubscribe(peer, subscription)
			return
		}
		backoff = min(backoff*2, self.settings.RetryBackoffMax)
	}
}

// handleDelta merges one remote delta. A rejected merge (e.g. size limit)
// is surfaced to the error hooks and skipped: replaying a delta that can
// never apply would wedge the exchange.
func (self *Replicator) handleDelta(peer *peerState, delta *Delta) {
	result, err := self.store.ApplyDelta(delta, peer.peerId)
	if err != nil {
		glog.Warningf("[replicator]peer %s delta %s/%s rejected = %s", peer.peerId, delta.Collection, delta.Id, err)
		self.notifyError(peer.peerId, err)
	} else if result.Changed {
		glog.V(2).Infof("[replicator]peer %s delta %s/%s applied seq=%d", peer.peerId, delta.Collection, delta.Id, result.Seq)
	}
}

// handleCheckpoint advances a subscription's resume cursor. The channel
// is ordered, so every delta the peer sent for the subscription below the
// checkpointed sequence has already been applied here.
func (self *Replicator) handleCheckpoint(peer *peerState, message *CheckpointMessage) {
	self.stateLock.Lock()
	subscription, ok := self.outbound[message.SubscriptionId]
	if !ok || subscription.resumeSeq >= message.Seq {
		self.stateLock.Unlock()
		return
	}
	subscription.resumeSeq = message.Seq
	key := subscriptionKey{
		peerId:        subscription.peerId,
		collection:    subscription.collection,
		predicateText: subscription.predicateText,
	}
	self.resumeCursors[key] = message.Seq
	self.stateLock.Unlock()

	if self.persistence != nil {
		if err := self.persistence.SaveSubscriptionCursor(key.peerId, key.collection, key.predicateText, message.Seq); err != nil {
			glog.Errorf("[replicator]persist cursor err = %s", err)
		}
	}
}

// sendLoop pushes matching deltas to one peer whenever the store changes.
func (self *Replicator) sendLoop(ctx context.Context, peer *peerState) {
	for {
		notify := self.sendMonitor.NotifyChannel()

		self.sendPending(peer)

		select {
		case <-ctx.Done():
			return
		case <-self.ctx.Done():
			return
		case <-notify:
		}
	}
}

// sendPending produces everything past each inbound subscription's cursor
// that matches it. Fields whose latest change arrived from this peer are
// excluded so a delta is never echoed to its origin. A completed pass
// checkpoints every subscription at the sequence the pass covered.
func (self *Replicator) sendPending(peer *peerState) {
	self.stateLock.Lock()
	channel := peer.channel
	subscriptions := []*inboundSubscription{}
	for _, subscription := range self.inbound {
		if subscription.peerId == peer.peerId {
			subscriptions = append(subscriptions, subscription)
		}
	}
	minSentSeq := uint64(0)
	for i, subscription := range subscriptions {
		if i == 0 || subscription.sentSeq < minSentSeq {
			minSentSeq = subscription.sentSeq
		}
	}
	self.stateLock.Unlock()

	if channel == nil || len(subscriptions) == 0 {
		return
	}

	// everything at or below this sequence is covered by the pass
	passSeq := self.store.MaxSeq()
	if passSeq <= minSentSeq {
		return
	}

	deltas := self.store.ProduceDeltas(minSentSeq, peer.peerId)
	for _, delta := range deltas {
		self.stateLock.Lock()
		send := false
		for _, subscription := range subscriptions {
			if subscription.sentSeq < delta.Seq && self.deltaMatches(delta, subscription) {
				send = true
				break
			}
		}
		self.stateLock.Unlock()
		if !send {
			continue
		}
		frame, err := EncodeDelta(delta)
		if err != nil {
			glog.Errorf("[replicator]encode delta err = %s", err)
			continue
		}
		if err := self.sendFrame(peer, frame); err != nil {
			// the pass did not complete; cursors stay put and the next
			// pass re-produces
			return
		}
	}

	checkpoints := []*CheckpointMessage{}
	self.stateLock.Lock()
	for _, subscription := range subscriptions {
		if subscription.sentSeq < passSeq {
			subscription.sentSeq = passSeq
			checkpoints = append(checkpoints, &CheckpointMessage{
				SubscriptionId: subscription.subscriptionId,
				Seq:            passSeq,
			})
		}
	}
	self.stateLock.Unlock()

	for _, checkpoint := range checkpoints {
		if frame, err := EncodeCheckpoint(checkpoint); err == nil {
			self.sendFrame(peer, frame)
		}
	}
}

// deltaMatches evaluates one subscription against the current document.
// Tombstoned documents still match: subscription predicates can never
// filter on the tombstone field, so deletes relay through every hop.
func (self *Replicator) deltaMatches(delta *Delta, subscription *inboundSubscription) bool {
	if subscription.collection != delta.Collection {
		return false
	}
	if subscription.predicate == nil {
		return true
	}
	snapshot := self.store.Get(delta.Collection, delta.Id)
	if snapshot == nil {
		return false
	}
	ok, err := evalPredicate(snapshot, subscription.predicate, nil)
	// a predicate that cannot evaluate for this document does not match it
	return err == nil && ok
}
