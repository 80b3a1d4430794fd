package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/mattyeh1/PsicoCare-sub001/realtime"
)

type HubSettings struct {
	// deadline for the first auth frame. a connection that never
	// authenticates is dropped.
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	SendBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		AuthTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		SendBufferSize: 16,
	}
}

// conn is one authenticated websocket connection. a user may hold
// several at once (multiple tabs/devices).
type conn struct {
	connId   ulid.ULID
	userId   int64
	userType string
	ws       *websocket.Conn
	send     chan []byte
}

// Hub accepts websocket connections, binds each to a user via the auth
// handshake, and routes events to the connections of the addressed
// user. it never blocks on a slow consumer: the frame is dropped and
// the client recovers through a cache refetch.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings
	upgrader *websocket.Upgrader

	mutex sync.Mutex
	conns map[int64]map[*conn]bool
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, DefaultHubSettings())
}

func NewHub(ctx context.Context, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			// auth happens on the first frame, not at upgrade time
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: map[int64]map[*conn]bool{},
	}
}

func (self *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}
	go self.handle(ws)
}

func (self *Hub) handle(ws *websocket.Conn) {
	defer ws.Close()

	auth, err := self.readAuth(ws)
	if err != nil {
		glog.Infof("[hub]auth error = %s\n", err)
		return
	}

	c := &conn{
		connId:   ulid.Make(),
		userId:   auth.UserId,
		userType: auth.UserType,
		ws:       ws,
		send:     make(chan []byte, self.settings.SendBufferSize),
	}
	self.register(c)
	defer self.unregister(c)

	glog.V(2).Infof("[hub]%s bound user=%d type=%s\n", c.connId, c.userId, c.userType)

	writeCtx, writeCancel := context.WithCancel(self.ctx)
	defer writeCancel()
	go self.writeLoop(writeCtx, writeCancel, c)

	// keep reading to observe the close and drain client keepalives.
	// re-auth frames rebind is not supported: one identity per
	// connection lifetime.
	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[hub]%s closed = %s\n", c.connId, err)
			return
		}
		if len(frame) == 0 {
			glog.V(2).Infof("[hub]ping %s<-\n", c.connId)
			continue
		}
	}
}

// readAuth waits for the auth frame. frames before it are ignored:
// an unbound connection receives nothing and its events bind nowhere.
func (self *Hub) readAuth(ws *websocket.Conn) (*realtime.AuthMessage, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}
		auth := &realtime.AuthMessage{}
		if err := json.Unmarshal(frame, auth); err != nil {
			glog.V(2).Infof("[hub]ignore pre-auth frame = %s\n", err)
			continue
		}
		if auth.Type != "auth" || auth.UserId == 0 {
			glog.V(2).Infof("[hub]ignore pre-auth frame type=%q\n", auth.Type)
			continue
		}
		return auth, nil
	}
}

func (self *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, c *conn) {
	defer cancel()
	defer c.ws.Close()

	ping := time.NewTicker(self.settings.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				glog.V(2).Infof("[hub]%s-> error = %s\n", c.connId, err)
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

func (self *Hub) register(c *conn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	userConns, ok := self.conns[c.userId]
	if !ok {
		userConns = map[*conn]bool{}
		self.conns[c.userId] = userConns
	}
	userConns[c] = true
}

func (self *Hub) unregister(c *conn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	userConns, ok := self.conns[c.userId]
	if !ok {
		return
	}
	delete(userConns, c)
	if len(userConns) == 0 {
		delete(self.conns, c.userId)
	}
}

// PublishNewMessage notifies the recipient of a new message and
// confirms the send back to the sender's own connections.
func (self *Hub) PublishNewMessage(message *realtime.MessagePayload) {
	self.Publish(message.RecipientId, &realtime.Event{
		Type:    realtime.EventTypeNewMessage,
		Message: message,
	})
	self.Publish(message.SenderId, &realtime.Event{
		Type:    realtime.EventTypeMessageSent,
		Message: message,
	})
}

// Publish routes one event to every live connection of a user. events
// are at most once: no replay buffer, a slow consumer's frame is
// dropped.
func (self *Hub) Publish(userId int64, event *realtime.Event) {
	if event.EventId == "" {
		event.EventId = ulid.Make().String()
	}
	frame, err := json.Marshal(event)
	if err != nil {
		glog.Infof("[hub]encode error = %s\n", err)
		return
	}

	self.mutex.Lock()
	targets := make([]*conn, 0, len(self.conns[userId]))
	for c := range self.conns[userId] {
		targets = append(targets, c)
	}
	self.mutex.Unlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
			glog.V(2).Infof("[hub]%s %s->%d\n", event.EventId, event.Type, userId)
		default:
			glog.Infof("[hub]drop %s for %s, slow consumer\n", event.Type, c.connId)
		}
	}
}

// ConnectionCount reports the live connections for a user.
func (self *Hub) ConnectionCount(userId int64) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.conns[userId])
}

func (self *Hub) Close() {
	self.cancel()
}
