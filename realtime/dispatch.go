package realtime

import (
	"github.com/golang/glog"
)

type Priority int

const (
	// interrupting, user-visible notification
	NotifyInterrupt Priority = iota
	// passive confirmation, must not steal focus
	NotifyPassive
)

type Notification struct {
	Priority Priority
	Title    string
	Subject  string
	Message  *MessagePayload
}

// Notifier raises user-visible notifications. injected so tests can
// observe exactly what would be shown.
type Notifier interface {
	Notify(notification Notification)
}

type noopNotifier struct{}

func (self *noopNotifier) Notify(notification Notification) {}

// IdentitySource is the dispatcher's view of the session store.
type IdentitySource interface {
	Identity() *Identity
}

// Dispatcher classifies inbound events and triggers the minimum
// correct side effects. side effects are idempotent: a duplicate event
// after a reconnect re-marks staleness and the refetch dedupes.
type Dispatcher struct {
	identity IdentitySource
	cache    *Cache
	notifier Notifier
}

func NewDispatcher(identity IdentitySource, cache *Cache, notifier Notifier) *Dispatcher {
	if notifier == nil {
		notifier = &noopNotifier{}
	}
	return &Dispatcher{
		identity: identity,
		cache:    cache,
		notifier: notifier,
	}
}

func (self *Dispatcher) Dispatch(event *Event) {
	identity := self.identity.Identity()
	if identity == nil {
		// the channel is open but unbound. events are untrusted until
		// an identity is established.
		glog.V(2).Infof("[d]drop event, no identity\n")
		return
	}

	switch event.Type {
	case EventTypeNewMessage:
		message := event.Message
		if message == nil {
			return
		}
		if message.RecipientId != identity.UserId {
			// another session's event leaking over a shared channel
			glog.V(2).Infof("[d]ignore %s for %d\n", event.Type, message.RecipientId)
			return
		}
		if message.SenderId == identity.UserId {
			// never notify a user about their own action
			return
		}
		self.cache.Invalidate(CacheReceivedMessages)
		self.notifier.Notify(Notification{
			Priority: NotifyInterrupt,
			Title:    "New message",
			Subject:  message.Subject,
			Message:  message,
		})
	case EventTypeMessageSent:
		message := event.Message
		if message == nil {
			return
		}
		if message.SenderId != identity.UserId {
			return
		}
		self.cache.Invalidate(CacheSentMessages)
		self.notifier.Notify(Notification{
			Priority: NotifyPassive,
			Title:    "Message delivered",
			Message:  message,
		})
	default:
		// unknown types are forward compatibility, not errors
		glog.V(2).Infof("[d]ignore event type=%q\n", event.Type)
	}
}
