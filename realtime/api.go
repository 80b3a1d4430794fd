package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// ErrUnauthorized is the one error class that forces a session
// transition. every other failure on this layer is a transient to be
// retried, never a logout signal.
var ErrUnauthorized = errors.New("unauthorized")

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// CareApi is the synchronous request/response path. everything that
// needs a delivery guarantee goes through here, not the push channel.
type CareApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	cache  *Cache

	mutex sync.Mutex
	token string
}

func NewCareApi(apiUrl string) *CareApi {
	return NewCareApiWithContext(context.Background(), apiUrl)
}

func NewCareApiWithContext(ctx context.Context, apiUrl string) *CareApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CareApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		cache:  NewCache(DefaultCacheStaleAfter),
	}
}

// the session token gets attached to api calls that need it
func (self *CareApi) SetToken(token string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.token = token
}

func (self *CareApi) Token() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.token
}

func (self *CareApi) Cache() *Cache {
	return self.cache
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Identity *Identity        `json:"identity,omitempty"`
	Token    string           `json:"token,omitempty"`
	Error    *AuthResultError `json:"error,omitempty"`
}

type AuthResultError struct {
	Message string `json:"message"`
}

func (self *CareApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.Token(),
		&AuthLoginResult{},
		callback,
	)
}

func (self *CareApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.Token(),
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type AuthRegisterCallback apiCallback[*AuthRegisterResult]

type AuthRegisterArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
	Name     string `json:"display_name"`
	UserType Role   `json:"user_type"`
}

type AuthRegisterResult struct {
	Identity *Identity        `json:"identity,omitempty"`
	Token    string           `json:"token,omitempty"`
	Error    *AuthResultError `json:"error,omitempty"`
}

func (self *CareApi) AuthRegister(authRegister *AuthRegisterArgs, callback AuthRegisterCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/register", self.apiUrl),
		authRegister,
		self.Token(),
		&AuthRegisterResult{},
		callback,
	)
}

func (self *CareApi) AuthRegisterSync(authRegister *AuthRegisterArgs) (*AuthRegisterResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/register", self.apiUrl),
		authRegister,
		self.Token(),
		&AuthRegisterResult{},
		NewNoopApiCallback[*AuthRegisterResult](),
	)
}

type AuthLogoutCallback apiCallback[*AuthLogoutResult]

type AuthLogoutResult struct{}

func (self *CareApi) AuthLogout(callback AuthLogoutCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/logout", self.apiUrl),
		nil,
		self.Token(),
		&AuthLogoutResult{},
		callback,
	)
}

type SessionCallback apiCallback[*SessionResult]

// the "who am i" read. 200 with the identity, or 401 which surfaces
// as ErrUnauthorized.
type SessionResult struct {
	Identity *Identity `json:"identity"`
}

func (self *CareApi) Session(callback SessionCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/auth/session", self.apiUrl),
		self.Token(),
		&SessionResult{},
		callback,
	)
}

func (self *CareApi) SessionSync() (*SessionResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/auth/session", self.apiUrl),
		self.Token(),
		&SessionResult{},
		NewNoopApiCallback[*SessionResult](),
	)
}

type MessagesResult struct {
	Messages []*MessagePayload `json:"messages"`
}

// ReceivedMessagesSync reads through the cache. a fresh entry short
// circuits the network round trip; dispatcher invalidations force the
// next call back to the server.
func (self *CareApi) ReceivedMessagesSync() (*MessagesResult, error) {
	return self.messagesSync(CacheReceivedMessages, "messages/received")
}

func (self *CareApi) SentMessagesSync() (*MessagesResult, error) {
	return self.messagesSync(CacheSentMessages, "messages/sent")
}

func (self *CareApi) messagesSync(cacheName string, path string) (*MessagesResult, error) {
	if result, ok := cacheGet[*MessagesResult](self.cache, cacheName); ok {
		return result, nil
	}
	result, err := get(
		self.ctx,
		fmt.Sprintf("%s/%s", self.apiUrl, path),
		self.Token(),
		&MessagesResult{},
		NewNoopApiCallback[*MessagesResult](),
	)
	if err != nil {
		return nil, err
	}
	self.cache.Put(cacheName, result)
	return result, nil
}

func (self *CareApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, token string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, readErr := io.ReadAll(r.Body)

	if r.StatusCode == http.StatusUnauthorized {
		var empty R
		callback.Result(empty, ErrUnauthorized)
		return empty, ErrUnauthorized
	}

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if readErr != nil {
		callback.Result(result, readErr)
		return result, readErr
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, token string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, readErr := io.ReadAll(r.Body)

	if r.StatusCode == http.StatusUnauthorized {
		var empty R
		callback.Result(empty, ErrUnauthorized)
		return empty, ErrUnauthorized
	}

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if readErr != nil {
		callback.Result(result, readErr)
		return result, readErr
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
