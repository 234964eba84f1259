package docsync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
)

type NodeSettings struct {
	StoreSettings      *StoreSettings
	ReplicatorSettings *ReplicatorSettings
	EvictionSettings   *EvictionManagerSettings

	// path to the node database. Empty keeps everything in memory.
	DbPath string

	HandshakeTimeout time.Duration
}

func DefaultNodeSettings() *NodeSettings {
	return &NodeSettings{
		StoreSettings:      DefaultStoreSettings(),
		ReplicatorSettings: DefaultReplicatorSettings(),
		EvictionSettings:   DefaultEvictionManagerSettings(),
		HandshakeTimeout:   15 * time.Second,
	}
}

// Node wires one peer's components together: store, query executor,
// replicator, observer pipeline, and eviction manager, sharing one
// database when persistence is enabled.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	nodeId   Id
	settings *NodeSettings

	store      *Store
	executor   *Executor
	replicator *Replicator
	observers  *ObserverPipeline
	eviction   *EvictionManager
	db         *SqliteStore
}

func NewNodeWithDefaults(ctx context.Context) (*Node, error) {
	return NewNode(ctx, NewId(), DefaultNodeSettings())
}

func NewNode(ctx context.Context, nodeId Id, settings *NodeSettings) (*Node, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewStore(nodeId, settings.StoreSettings)

	var db *SqliteStore
	if settings.DbPath != "" {
		openedDb, err := OpenSqliteStore(settings.DbPath)
		if err != nil {
			cancel()
			return nil, err
		}
		// restore before attaching write-through, so the reload does
		// not write itself back
		if err := openedDb.LoadInto(store); err != nil {
			openedDb.Close()
			cancel()
			return nil, err
		}
		store.SetPersistence(openedDb)
		db = openedDb
	}

	executor := NewExecutor(store)
	replicator := NewReplicator(cancelCtx, store, settings.ReplicatorSettings)
	if db != nil {
		if err := db.LoadSubscriptionCursors(replicator); err != nil {
			db.Close()
			cancel()
			return nil, err
		}
		replicator.SetPersistence(db)
	}
	observers := NewObserverPipeline(cancelCtx, executor)
	eviction := NewEvictionManager(cancelCtx, executor, replicator, settings.EvictionSettings)

	return &Node{
		ctx:        cancelCtx,
		cancel:     cancel,
		nodeId:     nodeId,
		settings:   settings,
		store:      store,
		executor:   executor,
		replicator: replicator,
		observers:  observers,
		eviction:   eviction,
		db:         db,
	}, nil
}

func (self *Node) NodeId() Id {
	return self.nodeId
}

func (self *Node) Store() *Store {
	return self.store
}

func (self *Node) Executor() *Executor {
	return self.executor
}

func (self *Node) Replicator() *Replicator {
	return self.replicator
}

func (self *Node) Observers() *ObserverPipeline {
	return self.observers
}

func (self *Node) Eviction() *EvictionManager {
	return self.eviction
}

func (self *Node) Execute(query string, params map[string]any) (*QueryResult, error) {
	return self.executor.Execute(query, params)
}

func (self *Node) Close() {
	self.cancel()
	self.observers.Close()
	self.replicator.Close()
	self.eviction.Close()
	if self.db != nil {
		self.db.Close()
	}
}

// peer links. Each new channel starts with a hello exchange that carries
// the node ids; everything after is replicator traffic.

func (self *Node) sendHello(channel PeerChannel) error {
	frame, err := EncodeHello(&HelloMessage{NodeId: self.nodeId})
	if err != nil {
		return err
	}
	frameBytes, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	handshakeCtx, handshakeCancel := context.WithTimeout(self.ctx, self.settings.HandshakeTimeout)
	defer handshakeCancel()
	return channel.Send(handshakeCtx, frameBytes)
}

func (self *Node) receiveHello(channel PeerChannel) (Id, error) {
	handshakeCtx, handshakeCancel := context.WithTimeout(self.ctx, self.settings.HandshakeTimeout)
	defer handshakeCancel()

	frameBytes, err := channel.Receive(handshakeCtx)
	if err != nil {
		return Id{}, err
	}
	frame, err := DecodeFrame(frameBytes)
	if err != nil {
		return Id{}, err
	}
	if frame.MessageType != MessageTypeHello {
		return Id{}, fmt.Errorf("expected hello, got %s", frame.MessageType)
	}
	hello, err := DecodeHello(frame.Message)
	if err != nil {
		return Id{}, err
	}
	return hello.NodeId, nil
}

// AttachChannel performs the hello exchange on an accepted channel and
// hands it to the replicator. Returns the peer's node id.
func (self *Node) AttachChannel(channel PeerChannel) (Id, error) {
	if err := self.sendHello(channel); err != nil {
		channel.Close()
		return Id{}, err
	}
	peerId, err := self.receiveHello(channel)
	if err != nil {
		channel.Close()
		return Id{}, err
	}
	self.replicator.Connect(peerId, channel)
	return peerId, nil
}

// DialPeer connects to another node's websocket listener.
func (self *Node) DialPeer(ctx context.Context, url string) (Id, error) {
	channel, err := DialWs(ctx, url)
	if err != nil {
		return Id{}, err
	}
	return self.AttachChannel(channel)
}

// ListenAndServe accepts peer connections on addr until the node closes.
func (self *Node) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", WsHandler(self.ctx, func(channel *WsChannel) {
		peerId, err := self.AttachChannel(channel)
		if err != nil {
			glog.Warningf("[node]handshake err = %s", err)
			return
		}
		glog.Infof("[node]peer %s connected", peerId)
	}))

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go HandleError(func() {
		<-self.ctx.Done()
		server.Close()
	})
	glog.Infof("[node]%s listening on %s", self.nodeId, addr)
	return server.ListenAndServe()
}
