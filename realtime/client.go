package realtime

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type ClientSettings struct {
	Channel *ChannelSettings
	Session *SessionSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Channel: DefaultChannelSettings(),
		Session: DefaultSessionSettings(),
	}
}

// Client assembles the session store, the push channel and the
// dispatcher into the component the ui consumes. the channel exists
// while an identity is present and is torn down when the session
// becomes unauthenticated.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	pushUrl string

	api        *CareApi
	session    *SessionStore
	channel    *Channel
	dispatcher *Dispatcher

	mutex          sync.Mutex
	onConnectivity func(state ChannelState)
}

func NewClientWithDefaults(
	ctx context.Context,
	apiUrl string,
	pushUrl string,
	markers MarkerStore,
	notifier Notifier,
	navigator Navigator,
) *Client {
	return NewClient(ctx, apiUrl, pushUrl, markers, notifier, navigator, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	apiUrl string,
	pushUrl string,
	markers MarkerStore,
	notifier Notifier,
	navigator Navigator,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	client := &Client{
		ctx:     cancelCtx,
		cancel:  cancel,
		pushUrl: pushUrl,
	}

	client.api = NewCareApiWithContext(cancelCtx, apiUrl)
	client.channel = NewChannel(cancelCtx, &ChannelEvents{
		OnOpen: func() {
			// bind the fresh connection to the identity, then settle
			// the session against the server: a reconnect is also a
			// revalidation trigger
			client.sendAuth()
			if client.session != nil {
				client.session.Revalidate()
			}
		},
		OnEvent: func(event *Event) {
			client.dispatcher.Dispatch(event)
		},
		OnError: func(err error) {
			glog.V(2).Infof("[client]channel error = %s\n", err)
		},
		OnStatus: func(state ChannelState) {
			client.mutex.Lock()
			onConnectivity := client.onConnectivity
			client.mutex.Unlock()
			if onConnectivity != nil {
				onConnectivity(state)
			}
		},
	}, settings.Channel)
	client.session = NewSessionStore(cancelCtx, client.api, markers, navigator, settings.Session)
	client.dispatcher = NewDispatcher(client.session, client.api.Cache(), notifier)

	client.session.SetOnChange(client.sessionChanged)

	// the session store may have settled before the change callback was
	// wired. act on the current snapshot too.
	if client.session.Identity() != nil {
		client.channel.Connect(pushUrl)
	}

	return client
}

func (self *Client) sessionChanged(state SessionState, identity *Identity) {
	switch state {
	case SessionAuthenticated:
		if self.channel.Status() == ChannelOpen {
			// the channel opened before the session resolved. the
			// handshake is re-sent rather than reconnecting.
			self.sendAuth()
		} else {
			self.channel.Connect(self.pushUrl)
		}
	case SessionUnauthenticated:
		self.channel.Disconnect()
	}
}

// sendAuth is fire and forget. there is no acknowledgment; the
// dispatcher filters by recipient identity instead of trusting the
// handshake.
func (self *Client) sendAuth() {
	if self.session == nil {
		return
	}
	identity := self.session.Identity()
	if identity == nil {
		return
	}
	if !self.channel.Send(NewAuthMessage(identity)) {
		glog.V(2).Infof("[client]auth handshake dropped\n")
	}
}

// SetVisible reports app/tab visibility. regaining visibility kicks
// both the channel and a session revalidation.
func (self *Client) SetVisible(visible bool) {
	self.channel.SetVisible(visible)
	if visible {
		self.session.Revalidate()
	}
}

// SetOnConnectivity registers the passive connectivity indicator.
func (self *Client) SetOnConnectivity(onConnectivity func(state ChannelState)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.onConnectivity = onConnectivity
}

func (self *Client) Api() *CareApi {
	return self.api
}

func (self *Client) Session() *SessionStore {
	return self.session
}

func (self *Client) Channel() *Channel {
	return self.channel
}

func (self *Client) Close() {
	self.cancel()
	self.channel.Close()
	self.session.Close()
	self.api.Close()
}
