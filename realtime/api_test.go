package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSessionUnauthorized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	api := NewCareApiWithContext(ctx, server.URL)
	_, err := api.SessionSync()
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))
}

func TestPostErrorBody(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "appointment slot taken", http.StatusConflict)
	}))
	defer server.Close()

	api := NewCareApiWithContext(ctx, server.URL)
	_, err := api.AuthLoginSync(&AuthLoginArgs{UserAuth: "x", Password: "y"})
	assert.NotEqual(t, nil, err)
	// the response body is the error message
	assert.Equal(t, "appointment slot taken", err.Error())
}

func TestBearerToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(&SessionResult{Identity: &Identity{UserId: 7}})
	}))
	defer server.Close()

	api := NewCareApiWithContext(ctx, server.URL)
	api.SetToken("token-abc")
	_, err := api.SessionSync()
	assert.Equal(t, nil, err)
	assert.Equal(t, "Bearer token-abc", gotAuth.Load().(string))
}

func TestMessagesReadThroughCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		json.NewEncoder(w).Encode(&MessagesResult{
			Messages: []*MessagePayload{{SenderId: 9, RecipientId: 7, Subject: "Hi"}},
		})
	}))
	defer server.Close()

	api := NewCareApiWithContext(ctx, server.URL)

	result, err := api.ReceivedMessagesSync()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(result.Messages))
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	// a fresh cache entry short circuits the round trip
	_, err = api.ReceivedMessagesSync()
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	// a dispatcher invalidation forces the next call back to the server
	api.Cache().Invalidate(CacheReceivedMessages)
	_, err = api.ReceivedMessagesSync()
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestBlockingApiCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&AuthLoginResult{Token: "token-abc"})
	}))
	defer server.Close()

	api := NewCareApiWithContext(ctx, server.URL)

	callback, channel := NewBlockingApiCallback[*AuthLoginResult]()
	api.AuthLogin(&AuthLoginArgs{UserAuth: "x", Password: "y"}, callback)

	result := <-channel
	assert.Equal(t, nil, result.Error)
	assert.Equal(t, "token-abc", result.Result.Token)
}
