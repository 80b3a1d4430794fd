package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ChannelSettings struct {
	// fixed retry budget per disconnect. exhausting it leaves the
	// channel closed until a manual Reconnect or a visibility regain.
	RetryBudget int
	// fixed inter-attempt delay. intentionally not exponential so the
	// observable retry timing stays stable.
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		RetryBudget:      5,
		RetryDelay:       3000 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     25 * time.Second,
	}
}

// ChannelEvents are invoked from channel goroutines. none of them may
// block for long. errors are surfaced here and via logs, never raised
// to callers of the channel api.
type ChannelEvents struct {
	OnOpen   func()
	OnEvent  func(event *Event)
	OnError  func(err error)
	OnStatus func(state ChannelState)
}

type WsDialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// Channel owns at most one live websocket connection and presents a
// stable surface over the underlying churn. starting a new connection
// always tears down the previous one first, so reconnection is
// idempotent by construction.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ChannelSettings
	events   *ChannelEvents
	dial     WsDialFunc

	mutex      sync.Mutex
	fsm        *channelFSM
	endpoint   string
	conn       *websocket.Conn
	connSeq    int
	retryTimer *time.Timer
}

func NewChannelWithDefaults(ctx context.Context, events *ChannelEvents) *Channel {
	return NewChannel(ctx, events, DefaultChannelSettings())
}

func NewChannel(ctx context.Context, events *ChannelEvents, settings *ChannelSettings) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	if events == nil {
		events = &ChannelEvents{}
	}
	channel := &Channel{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		events:   events,
		dial:     defaultWsDial(settings),
		fsm:      newChannelFSM(settings.RetryBudget),
	}
	go func() {
		// unmount: close cleanly and stop all pending timers so the
		// reconnect loop cannot fire after teardown
		<-cancelCtx.Done()
		channel.apply(inputDisconnect, -1)
	}()
	return channel
}

func defaultWsDial(settings *ChannelSettings) WsDialFunc {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, url, nil)
		return ws, err
	}
}

// deriveWireUrl maps the page transport scheme to the wire scheme:
// a secure origin gets a secure channel.
func deriveWireUrl(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Connect is a no-op when endpoint is empty. no identity means no push
// endpoint in the current auth state, which is not an error.
func (self *Channel) Connect(endpoint string) {
	if endpoint == "" {
		return
	}
	wireUrl, err := deriveWireUrl(endpoint)
	if err != nil {
		glog.Infof("[ch]bad endpoint = %s\n", err)
		if self.events.OnError != nil {
			self.events.OnError(err)
		}
		return
	}
	self.mutex.Lock()
	self.endpoint = wireUrl
	self.mutex.Unlock()
	self.apply(inputDial, -1)
}

// Reconnect dials again with a fresh retry budget. used after the
// automatic budget is exhausted.
func (self *Channel) Reconnect() {
	if !self.hasEndpoint() {
		return
	}
	self.apply(inputDial, -1)
}

// SetVisible reports a visibility transition. regaining visibility
// while the channel is not open triggers an immediate dial regardless
// of the remaining retry budget.
func (self *Channel) SetVisible(visible bool) {
	if !visible {
		return
	}
	if !self.hasEndpoint() {
		return
	}
	self.apply(inputVisible, -1)
}

func (self *Channel) Status() ChannelState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fsm.state
}

// Send serializes and transmits only while the channel is open. it
// never queues and never raises: the return value is the only delivery
// signal, and it is not a delivery guarantee.
func (self *Channel) Send(message any) bool {
	frame, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[ch]send marshal error = %s\n", err)
		return false
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.fsm.state != ChannelOpen || self.conn == nil {
		glog.V(2).Infof("[ch]drop send, channel %s\n", self.fsm.state)
		return false
	}
	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		glog.Infof("[ch]send error = %s\n", err)
		return false
	}
	glog.V(2).Infof("[ch]->\n")
	return true
}

// Disconnect closes intentionally with a normal close code. the
// reconnect loop does not fire; a later Connect or Reconnect may
// reopen the channel.
func (self *Channel) Disconnect() {
	self.apply(inputDisconnect, -1)
}

// Close disconnects and releases the channel for good.
func (self *Channel) Close() {
	self.cancel()
}

func (self *Channel) hasEndpoint() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.endpoint != ""
}

// apply feeds one input to the fsm and executes the resulting action.
// seq binds inputs that originate from a specific connection attempt:
// a superseded attempt must not disturb the current one. seq < 0 means
// the input is not bound to an attempt.
func (self *Channel) apply(input fsmInput, seq int) {
	self.mutex.Lock()
	if 0 <= seq && seq != self.connSeq {
		self.mutex.Unlock()
		return
	}
	prevState := self.fsm.state
	action := self.fsm.next(input)
	state := self.fsm.state

	switch action {
	case actionDial:
		self.stopRetryTimerLocked()
		self.teardownLocked()
		self.connSeq += 1
		go self.runDial(self.connSeq, self.endpoint)
	case actionScheduleRetry:
		self.stopRetryTimerLocked()
		self.retryTimer = time.AfterFunc(self.settings.RetryDelay, func() {
			self.apply(inputRetryTimer, -1)
		})
	case actionTeardown:
		self.stopRetryTimerLocked()
		self.teardownLocked()
		// no read loop is watching the connection while closing from
		// a non-open state, so settle the close here
		if self.fsm.state == ChannelClosing {
			self.fsm.next(inputCleanClose)
			state = self.fsm.state
		}
	}
	self.mutex.Unlock()

	if state != prevState {
		glog.V(2).Infof("[ch]%s -> %s\n", prevState, state)
		if self.events.OnStatus != nil {
			self.events.OnStatus(state)
		}
	}
}

func (self *Channel) stopRetryTimerLocked() {
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
}

func (self *Channel) teardownLocked() {
	if self.conn == nil {
		return
	}
	ws := self.conn
	self.conn = nil
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	ws.Close()
}

func (self *Channel) runDial(seq int, endpoint string) {
	ws, err := self.dial(self.ctx, endpoint)
	if err != nil {
		glog.Infof("[ch]dial error = %s\n", err)
		if self.events.OnError != nil {
			self.events.OnError(err)
		}
		self.apply(inputUncleanClose, seq)
		return
	}

	self.mutex.Lock()
	if seq != self.connSeq || self.fsm.state != ChannelConnecting {
		// superseded while dialing
		self.mutex.Unlock()
		ws.Close()
		return
	}
	self.conn = ws
	self.fsm.next(inputOpened)
	self.mutex.Unlock()

	glog.V(2).Infof("[ch]open %s\n", endpoint)
	if self.events.OnStatus != nil {
		self.events.OnStatus(ChannelOpen)
	}
	if self.events.OnOpen != nil {
		self.events.OnOpen()
	}

	go self.readLoop(seq, ws)
	go self.pingLoop(seq, ws)
}

func (self *Channel) readLoop(seq int, ws *websocket.Conn) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			self.mutex.Lock()
			stale := seq != self.connSeq
			closing := self.fsm.state == ChannelClosing || self.fsm.state == ChannelClosed
			self.mutex.Unlock()
			if stale || closing {
				// intentional teardown. the fsm already settled; the
				// local close error is not surfaced.
				return
			}
			// every close the client did not ask for redials, including
			// a graceful server shutdown. only an explicit disconnect on
			// this side ends the reconnect loop.
			glog.Infof("[ch]read error = %s\n", err)
			if self.events.OnError != nil {
				self.events.OnError(err)
			}
			self.apply(inputUncleanClose, seq)
			return
		}
		if len(frame) == 0 {
			// keepalive
			glog.V(2).Infof("[ch]ping<-\n")
			continue
		}
		glog.V(2).Infof("[ch]<-\n")
		if self.events.OnEvent != nil {
			self.events.OnEvent(DecodeEvent(frame))
		}
	}
}

func (self *Channel) pingLoop(seq int, ws *websocket.Conn) {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}
		self.mutex.Lock()
		live := seq == self.connSeq && self.fsm.state == ChannelOpen
		if live {
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, []byte{}); err != nil {
				live = false
			}
		}
		self.mutex.Unlock()
		if !live {
			return
		}
	}
}
