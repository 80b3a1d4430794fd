package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fastClientSettings() *ClientSettings {
	return &ClientSettings{
		Channel: fastChannelSettings(),
		Session: fastSessionSettings(),
	}
}

func TestClientHandshakeAndNotification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity := &Identity{
		UserId: 7,
		Role:   Role("patient"),
		Name:   "Pat",
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/auth/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&SessionResult{Identity: identity})
	})
	apiServer := httptest.NewServer(apiMux)
	defer apiServer.Close()

	pushServer := newTestPushServer()
	pushHttpServer := httptest.NewServer(pushServer)
	defer pushHttpServer.Close()

	markers := NewMemoryMarkerStore()
	assert.Equal(t, nil, markers.Set(&SessionMarker{
		Identity: *identity,
		Token:    "token-abc",
		Active:   true,
		SavedAt:  time.Now(),
	}))

	notifier := &recordNotifier{}
	navigator := &recordNavigator{}
	client := NewClient(
		ctx,
		apiServer.URL,
		pushHttpServer.URL,
		markers,
		notifier,
		navigator,
		fastClientSettings(),
	)
	defer client.Close()

	// the handshake is sent immediately after the channel opens
	waitFor(t, 2*time.Second, func() bool {
		return 1 <= pushServer.frameCount()
	})
	auth := &AuthMessage{}
	assert.Equal(t, nil, json.Unmarshal(pushServer.frame(0), auth))
	assert.Equal(t, "auth", auth.Type)
	assert.Equal(t, int64(7), auth.UserId)
	assert.Equal(t, "patient", auth.UserType)

	cache := client.Api().Cache()
	cache.Put(CacheReceivedMessages, &MessagesResult{})
	cache.Put(CacheSentMessages, &MessagesResult{})

	// a message from someone else raises exactly one notification and
	// invalidates the received cache
	pushServer.pushToAll([]byte(`{"type":"new_message","message":{"sender_id":9,"recipient_id":7,"subject":"Hi"}}`))
	waitFor(t, 2*time.Second, func() bool {
		return notifier.count() == 1
	})
	notification := notifier.last()
	assert.Equal(t, NotifyInterrupt, notification.Priority)
	assert.Equal(t, "Hi", notification.Subject)
	_, ok := cache.Get(CacheReceivedMessages)
	assert.Equal(t, false, ok)

	// an echo of the user's own send is not a "new message"
	pushServer.pushToAll([]byte(`{"type":"new_message","message":{"sender_id":7,"recipient_id":9,"subject":"re: Hi"}}`))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, notifier.count())

	// the send confirmation is passive and invalidates the sent cache
	pushServer.pushToAll([]byte(`{"type":"message_sent","message":{"sender_id":7,"recipient_id":9}}`))
	waitFor(t, 2*time.Second, func() bool {
		return notifier.count() == 2
	})
	assert.Equal(t, NotifyPassive, notifier.last().Priority)
	_, ok = cache.Get(CacheSentMessages)
	assert.Equal(t, false, ok)

	// an unknown event type is ignored
	pushServer.pushToAll([]byte(`{"type":"consent_updated"}`))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, notifier.count())
}

func TestClientLogoutClosesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity := &Identity{UserId: 7, Role: RoleClient, Name: "Pat"}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/auth/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&SessionResult{Identity: identity})
	})
	apiMux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	apiServer := httptest.NewServer(apiMux)
	defer apiServer.Close()

	pushServer := newTestPushServer()
	pushHttpServer := httptest.NewServer(pushServer)
	defer pushHttpServer.Close()

	markers := NewMemoryMarkerStore()
	assert.Equal(t, nil, markers.Set(&SessionMarker{
		Identity: *identity,
		Token:    "token-abc",
		Active:   true,
		SavedAt:  time.Now(),
	}))

	navigator := &recordNavigator{}
	client := NewClient(
		ctx,
		apiServer.URL,
		pushHttpServer.URL,
		markers,
		nil,
		navigator,
		fastClientSettings(),
	)
	defer client.Close()

	waitFor(t, 2*time.Second, func() bool {
		return client.Channel().Status() == ChannelOpen
	})
	// let the reconnect-triggered revalidation settle so it cannot
	// re-write the marker after logout clears it
	waitFor(t, 2*time.Second, func() bool {
		return client.Session().State() == SessionAuthenticated
	})
	time.Sleep(100 * time.Millisecond)

	// logout while the channel is open: markers cleared synchronously
	// and the channel torn down, even though the server logout fails
	client.Session().Logout()

	marker, err := markers.Get()
	assert.Equal(t, nil, err)
	if marker != nil {
		t.Fatal("expected markers cleared")
	}
	waitFor(t, 2*time.Second, func() bool {
		return client.Channel().Status() == ChannelClosed
	})
	waitFor(t, 2*time.Second, func() bool {
		return 1 <= navigator.Count()
	})
}

func TestClientReauthWhileChannelOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &Identity{UserId: 7, Role: RoleClient, Name: "Pat"}
	second := &Identity{UserId: 8, Role: RoleClient, Name: "Sam"}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/auth/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&SessionResult{Identity: first})
	})
	apiMux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&AuthLoginResult{Identity: second, Token: "token-sam"})
	})
	apiServer := httptest.NewServer(apiMux)
	defer apiServer.Close()

	pushServer := newTestPushServer()
	pushHttpServer := httptest.NewServer(pushServer)
	defer pushHttpServer.Close()

	markers := NewMemoryMarkerStore()
	assert.Equal(t, nil, markers.Set(&SessionMarker{
		Identity: *first,
		Token:    "token-abc",
		Active:   true,
		SavedAt:  time.Now(),
	}))

	client := NewClient(
		ctx,
		apiServer.URL,
		pushHttpServer.URL,
		markers,
		nil,
		nil,
		fastClientSettings(),
	)
	defer client.Close()

	waitFor(t, 2*time.Second, func() bool {
		return client.Channel().Status() == ChannelOpen &&
			client.Session().State() == SessionAuthenticated &&
			1 <= pushServer.frameCount()
	})
	// let the open and revalidate callbacks settle before the baseline
	time.Sleep(100 * time.Millisecond)
	auth := &AuthMessage{}
	assert.Equal(t, nil, json.Unmarshal(pushServer.frame(0), auth))
	assert.Equal(t, int64(7), auth.UserId)

	baseFrames := pushServer.frameCount()
	baseAccepted := pushServer.acceptedCount()

	// the identity changes while the channel is already open: the
	// handshake is re-sent on the live connection, not reconnected
	_, err := client.Session().Login("sam@example.com", "s3cret")
	assert.Equal(t, nil, err)

	waitFor(t, 2*time.Second, func() bool {
		return baseFrames < pushServer.frameCount()
	})
	assert.Equal(t, nil, json.Unmarshal(pushServer.frame(baseFrames), auth))
	assert.Equal(t, "auth", auth.Type)
	assert.Equal(t, int64(8), auth.UserId)
	assert.Equal(t, baseAccepted, pushServer.acceptedCount())
	assert.Equal(t, ChannelOpen, client.Channel().Status())
}

func TestClientHandshakeAfterLateIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity := &Identity{UserId: 7, Role: RoleClient, Name: "Pat"}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/auth/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-xyz" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(&SessionResult{Identity: identity})
	})
	apiMux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&AuthLoginResult{Identity: identity, Token: "token-xyz"})
	})
	apiServer := httptest.NewServer(apiMux)
	defer apiServer.Close()

	pushServer := newTestPushServer()
	pushHttpServer := httptest.NewServer(pushServer)
	defer pushHttpServer.Close()

	// no marker: the client starts logged out and the channel stays
	// down until an identity appears
	client := NewClient(
		ctx,
		apiServer.URL,
		pushHttpServer.URL,
		NewMemoryMarkerStore(),
		nil,
		nil,
		fastClientSettings(),
	)
	defer client.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, ChannelClosed, client.Channel().Status())
	assert.Equal(t, 0, pushServer.acceptedCount())

	_, err := client.Session().Login("pat@example.com", "s3cret")
	assert.Equal(t, nil, err)

	// identity present now: the channel comes up and the handshake
	// goes out
	waitFor(t, 2*time.Second, func() bool {
		return 1 <= pushServer.frameCount()
	})
	auth := &AuthMessage{}
	assert.Equal(t, nil, json.Unmarshal(pushServer.frame(0), auth))
	assert.Equal(t, int64(7), auth.UserId)
}
