package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionAuthenticated
	SessionUnauthenticated
)

func (self SessionState) String() string {
	switch self {
	case SessionUnknown:
		return "unknown"
	case SessionAuthenticated:
		return "authenticated"
	case SessionUnauthenticated:
		return "unauthenticated"
	default:
		return "invalid"
	}
}

// Navigator performs the hard navigation to the unauthenticated entry
// point, guaranteeing no stale protected view stays rendered.
type Navigator interface {
	NavigateToEntry()
}

type noopNavigator struct{}

func (self *noopNavigator) NavigateToEntry() {}

type SessionSettings struct {
	RevalidateInterval time.Duration
	// bounded retries within a single revalidation cycle. a cycle that
	// exhausts its retries on network errors keeps the previous state.
	RevalidateRetries    int
	RevalidateRetryDelay time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		RevalidateInterval:   5 * time.Minute,
		RevalidateRetries:    3,
		RevalidateRetryDelay: 10 * time.Second,
	}
}

type SessionChangeFunc func(state SessionState, identity *Identity)

// SessionStore keeps the best available belief about the authenticated
// identity, favoring availability over strict freshness. the only
// signal that forces a logout is a 401 on revalidation; network-level
// failures retain the previous state.
type SessionStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	api       *CareApi
	markers   MarkerStore
	navigator Navigator
	settings  *SessionSettings

	kick chan struct{}

	mutex    sync.Mutex
	state    SessionState
	identity *Identity
	onChange SessionChangeFunc
}

func NewSessionStoreWithDefaults(ctx context.Context, api *CareApi, markers MarkerStore, navigator Navigator) *SessionStore {
	return NewSessionStore(ctx, api, markers, navigator, DefaultSessionSettings())
}

func NewSessionStore(ctx context.Context, api *CareApi, markers MarkerStore, navigator Navigator, settings *SessionSettings) *SessionStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	if navigator == nil {
		navigator = &noopNavigator{}
	}
	store := &SessionStore{
		ctx:       cancelCtx,
		cancel:    cancel,
		api:       api,
		markers:   markers,
		navigator: navigator,
		settings:  settings,
		kick:      make(chan struct{}, 1),
		state:     SessionUnknown,
	}
	store.seed()
	go store.run()
	return store
}

// seed restores the last known identity so protected views can render
// immediately, without waiting on a network round trip. the state
// stays unknown until the first revalidation settles it.
func (self *SessionStore) seed() {
	marker, err := self.markers.Get()
	if err != nil {
		glog.Infof("[ss]marker read error = %s\n", err)
		return
	}
	if marker == nil || !marker.Active {
		return
	}
	identity := marker.Identity
	self.mutex.Lock()
	self.identity = &identity
	self.mutex.Unlock()
	self.api.SetToken(marker.Token)
}

func (self *SessionStore) run() {
	self.revalidateCycle()
	ticker := time.NewTicker(self.settings.RevalidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		case <-self.kick:
		}
		self.revalidateCycle()
	}
}

// Revalidate requests an asynchronous revalidation. used on window
// focus, on channel reconnect, and on demand.
func (self *SessionStore) Revalidate() {
	select {
	case self.kick <- struct{}{}:
	default:
	}
}

func (self *SessionStore) revalidateCycle() {
	for attempt := 0; attempt < self.settings.RevalidateRetries; attempt += 1 {
		if 0 < attempt {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.RevalidateRetryDelay):
			}
		}
		result, err := self.api.SessionSync()
		if err == nil {
			if result.Identity != nil {
				self.setAuthenticated(result.Identity)
			} else {
				glog.Infof("[ss]revalidate returned no identity\n")
			}
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			self.forceUnauthenticated()
			return
		}
		// network-level failure. explicitly not a logout signal.
		glog.Infof("[ss]revalidate error = %s\n", err)
	}
	glog.V(2).Infof("[ss]revalidate cycle exhausted, state retained\n")
}

func (self *SessionStore) setAuthenticated(identity *Identity) {
	self.mutex.Lock()
	changed := self.state != SessionAuthenticated ||
		self.identity == nil ||
		self.identity.UserId != identity.UserId
	self.state = SessionAuthenticated
	copied := *identity
	self.identity = &copied
	onChange := self.onChange
	self.mutex.Unlock()

	// refresh the last known identity
	if err := self.markers.Set(&SessionMarker{
		Identity: *identity,
		Token:    self.api.Token(),
		Active:   true,
		SavedAt:  time.Now(),
	}); err != nil {
		glog.Infof("[ss]marker write error = %s\n", err)
	}

	if changed && onChange != nil {
		onChange(SessionAuthenticated, identity)
	}
}

func (self *SessionStore) forceUnauthenticated() {
	self.mutex.Lock()
	alreadyOut := self.state == SessionUnauthenticated
	self.state = SessionUnauthenticated
	self.identity = nil
	onChange := self.onChange
	self.mutex.Unlock()

	if alreadyOut {
		return
	}

	self.clearLocal()
	if onChange != nil {
		onChange(SessionUnauthenticated, nil)
	}
	self.navigator.NavigateToEntry()
}

func (self *SessionStore) clearLocal() {
	if err := self.markers.Clear(); err != nil {
		glog.Infof("[ss]marker clear error = %s\n", err)
	}
	self.api.SetToken("")
}

func (self *SessionStore) Login(userAuth string, password string) (*Identity, error) {
	result, err := self.api.AuthLoginSync(&AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("login failed: %s", result.Error.Message)
	}
	return self.establish(result.Identity, result.Token)
}

func (self *SessionStore) Register(userAuth string, password string, name string, role Role) (*Identity, error) {
	result, err := self.api.AuthRegisterSync(&AuthRegisterArgs{
		UserAuth: userAuth,
		Password: password,
		Name:     name,
		UserType: role,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("register failed: %s", result.Error.Message)
	}
	return self.establish(result.Identity, result.Token)
}

func (self *SessionStore) establish(identity *Identity, token string) (*Identity, error) {
	if identity == nil && token != "" {
		// fall back to the claims baked into the token
		var err error
		identity, err = IdentityFromToken(token)
		if err != nil {
			return nil, err
		}
	}
	if identity == nil {
		return nil, errors.New("auth succeeded without an identity")
	}
	self.api.SetToken(token)
	self.setAuthenticated(identity)
	return identity, nil
}

// Logout clears the local markers synchronously even when the server
// call fails, then issues the hard navigation. the server logout is
// best effort.
func (self *SessionStore) Logout() {
	self.mutex.Lock()
	self.state = SessionUnauthenticated
	self.identity = nil
	onChange := self.onChange
	self.mutex.Unlock()

	self.api.AuthLogout(NewApiCallback[*AuthLogoutResult](func(result *AuthLogoutResult, err error) {
		if err != nil {
			glog.Infof("[ss]server logout error = %s\n", err)
		}
	}))

	self.clearLocal()
	if onChange != nil {
		onChange(SessionUnauthenticated, nil)
	}
	self.navigator.NavigateToEntry()
}

func (self *SessionStore) State() SessionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *SessionStore) Identity() *Identity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.identity == nil {
		return nil
	}
	identity := *self.identity
	return &identity
}

// CanRenderProtected is the route-guard contract: a protected view may
// render while authenticated, or while a persisted marker still claims
// an active session even though the state is not yet settled. a stale
// permissive render is closed by the next successful revalidation.
func (self *SessionStore) CanRenderProtected() bool {
	self.mutex.Lock()
	state := self.state
	self.mutex.Unlock()

	switch state {
	case SessionAuthenticated:
		return true
	case SessionUnauthenticated:
		return false
	default:
		marker, err := self.markers.Get()
		if err != nil {
			return false
		}
		return marker != nil && marker.Active
	}
}

func (self *SessionStore) SetOnChange(onChange SessionChangeFunc) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.onChange = onChange
}

func (self *SessionStore) Close() {
	self.cancel()
}
