package docsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// a message-oriented pipe of encoded frames
type Route = chan []byte

// PeerChannel is a reliable, ordered, message-oriented link to one peer.
// The replicator owns exactly one channel per connected peer and assumes
// in-order delivery; loss and reconnect are handled above via ack cursors.
type PeerChannel interface {
	Send(ctx context.Context, frameBytes []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close()
}

// in-process channel pair, the two ends of one link

type ChannelEndpoint struct {
	send    Route
	receive Route

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelPair returns the two connected endpoints of an in-process
// link. Frames sent on one end are received on the other.
func NewChannelPair() (*ChannelEndpoint, *ChannelEndpoint) {
	a := make(Route, 32)
	b := make(Route, 32)
	done := make(chan struct{})
	left := &ChannelEndpoint{
		send:    a,
		receive: b,
		done:    done,
	}
	right := &ChannelEndpoint{
		send:    b,
		receive: a,
		done:    done,
	}
	// Close on either end closes the shared done channel. closeOnce is
	// per-endpoint but done is shared, so guard with a select.
	return left, right
}

func (self *ChannelEndpoint) Send(ctx context.Context, frameBytes []byte) error {
	select {
	case <-self.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case self.send <- frameBytes:
		return nil
	}
}

func (self *ChannelEndpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-self.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case frameBytes := <-self.receive:
		return frameBytes, nil
	}
}

func (self *ChannelEndpoint) Close() {
	self.closeOnce.Do(func() {
		select {
		case <-self.done:
		default:
			close(self.done)
		}
	})
}

// websocket channel

type WsChannelSettings struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReceiveBuffer  int
	MaxMessageSize ByteCount
}

func DefaultWsChannelSettings() *WsChannelSettings {
	return &WsChannelSettings{
		WriteTimeout:  15 * time.Second,
		PingInterval:  20 * time.Second,
		PongTimeout:   60 * time.Second,
		ReceiveBuffer: 32,
		// a delta can approach the document hard ceiling plus envelope
		MaxMessageSize: DefaultMaxSizeByteCount + kib(64),
	}
}

// WsChannel adapts one websocket connection to a PeerChannel. A read pump
// goroutine owns all reads; Send serializes writes under a lock.
type WsChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	settings *WsChannelSettings

	sendLock sync.Mutex
	receive  Route

	closeOnce sync.Once
}

func NewWsChannelWithDefaults(ctx context.Context, conn *websocket.Conn) *WsChannel {
	return NewWsChannel(ctx, conn, DefaultWsChannelSettings())
}

func NewWsChannel(ctx context.Context, conn *websocket.Conn, settings *WsChannelSettings) *WsChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &WsChannel{
		ctx:      cancelCtx,
		cancel:   cancel,
		conn:     conn,
		settings: settings,
		receive:  make(Route, settings.ReceiveBuffer),
	}

	conn.SetReadLimit(settings.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(settings.PongTimeout))
		return nil
	})

	go self.readPump()
	go self.pingPump()

	return self
}

func (self *WsChannel) readPump() {
	defer self.Close()
	for {
		messageType, frameBytes, err := self.conn.ReadMessage()
		if err != nil {
			if self.ctx.Err() == nil {
				glog.V(1).Infof("[ws]read err = %s", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		self.conn.SetReadDeadline(time.Now().Add(self.settings.PongTimeout))
		select {
		case <-self.ctx.Done():
			return
		case self.receive <- frameBytes:
		}
	}
}

func (self *WsChannel) pingPump() {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.sendLock.Lock()
			err := self.conn.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(self.settings.WriteTimeout),
			)
			self.sendLock.Unlock()
			if err != nil {
				self.Close()
				return
			}
		}
	}
}

func (self *WsChannel) Send(ctx context.Context, frameBytes []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.conn.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
		self.Close()
		return err
	}
	return nil
}

func (self *WsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-self.ctx.Done():
		// drain what the pump buffered before the close
		select {
		case frameBytes := <-self.receive:
			return frameBytes, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case frameBytes := <-self.receive:
		return frameBytes, nil
	}
}

func (self *WsChannel) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.conn.Close()
	})
}

// dial and accept

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// DialWs connects to a peer's websocket listener.
func DialWs(ctx context.Context, url string) (*WsChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWsChannelWithDefaults(ctx, conn), nil
}

// WsHandler upgrades incoming requests and hands the channel to accept.
func WsHandler(ctx context.Context, accept func(channel *WsChannel)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Warningf("[ws]upgrade err = %s", err)
			return
		}
		accept(NewWsChannelWithDefaults(ctx, conn))
	}
}
