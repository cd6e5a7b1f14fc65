package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"renderBridge/internal/browser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR-generated")

type testEnv struct {
	m      *Manager
	clock  *fakeClock
	script *fakeScript
	store  *fakeCookieStore
	srv    *httptest.Server

	mu          sync.Mutex
	drivers     []*fakeDriver
	transitions [][2]State
}

func (e *testEnv) driver(i int) *fakeDriver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drivers[i]
}

func (e *testEnv) driverCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.drivers)
}

func (e *testEnv) seen() [][2]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][2]State(nil), e.transitions...)
}

type envOption func(e *testEnv, opts *Options, prepare *func(*fakeDriver))

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".png") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)

	clock := newFakeClock()
	e := &testEnv{
		clock:  clock,
		script: &fakeScript{clock: clock, imageURL: imageAt(srv.URL)},
		store:  &fakeCookieStore{cookies: validCookies()},
		srv:    srv,
	}

	var prepare func(*fakeDriver)
	opts := Options{
		Cookies:        e.store,
		Target:         testTarget(),
		Policy:         RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second},
		Timings:        testTimings(),
		MaxAttachments: 4,
		Downloader:     NewDownloader(srv.Client(), "renderBridge-test"),
		Clock:          clock,
		Logger:         zaptest.NewLogger(t),
		Observer: func(from, to State) {
			e.mu.Lock()
			e.transitions = append(e.transitions, [2]State{from, to})
			e.mu.Unlock()
		},
	}
	for _, o := range options {
		o(e, &opts, &prepare)
	}
	opts.NewDriver = func() browser.Driver {
		d := newFakeDriver(e.script)
		if prepare != nil {
			prepare(d)
		}
		e.mu.Lock()
		e.drivers = append(e.drivers, d)
		e.mu.Unlock()
		return d
	}

	e.m = NewManager(opts)
	t.Cleanup(func() { _ = e.m.CloseSession(context.Background()) })
	return e
}

func daylightRequest() PromptRequest {
	return PromptRequest{Text: "render in daylight", Attachments: []Attachment{pngAttachment("room.png")}}
}

func TestManager_ScenarioStoredCookies(t *testing.T) {
	e := newTestEnv(t)

	art, err := e.m.SubmitPrompt(context.Background(), daylightRequest())

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(art.MimeType, "image/"))
	assert.Equal(t, pngBytes, art.Bytes)
	assert.Equal(t, e.srv.URL+"/files.example.test/gen-1.png", art.SourceURL)
	assert.Equal(t, StateReady, e.m.State())
	assert.Equal(t, 1, e.driverCount())
	assert.Contains(t, e.driver(0).Calls(), "cookie:"+testToken)
}

func TestManager_ScenarioNoCredentials(t *testing.T) {
	e := newTestEnv(t, func(e *testEnv, _ *Options, _ *func(*fakeDriver)) {
		e.store.cookies = nil
	})

	_, err := e.m.SubmitPrompt(context.Background(), daylightRequest())

	require.ErrorIs(t, err, ErrLoginRequired)
	kind, _ := KindOf(err)
	assert.Equal(t, KindLoginRequired, kind)
	assert.Equal(t, 1, e.driverCount())
	assert.Empty(t, filterCalls(e.driver(0).Calls(), "upload:", "type:", "click:#send"))
	assert.Equal(t, StateUninitialized, e.m.State())
	assert.Equal(t, "Сервис временно недоступен, попробуйте позже", UserMessage(err))
}

func TestManager_ScenarioFallbackScan(t *testing.T) {
	e := newTestEnv(t)
	e.script.fallbackOnly = true

	art, err := e.m.SubmitPrompt(context.Background(), daylightRequest())

	require.NoError(t, err)
	assert.Equal(t, "image/png", art.MimeType)
	assert.Equal(t, StateReady, e.m.State())
}

func TestManager_ScenarioPollTimeoutKeepsSessionReady(t *testing.T) {
	e := newTestEnv(t)
	e.script.noImage = true

	_, err := e.m.SubmitPrompt(context.Background(), daylightRequest())
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, StateReady, e.m.State())

	e.script.noImage = false
	art, err := e.m.SubmitPrompt(context.Background(), PromptRequest{Text: "render at night"})

	require.NoError(t, err)
	assert.Equal(t, e.srv.URL+"/files.example.test/gen-2.png", art.SourceURL)
	assert.Equal(t, 1, e.driverCount())
}

func TestManager_ConcurrentSubmitRejected(t *testing.T) {
	e := newTestEnv(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.script.onSend = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.m.SubmitPrompt(context.Background(), daylightRequest())
		done <- err
	}()

	<-entered
	assert.Equal(t, StateBusy, e.m.State())

	_, err := e.m.SubmitPrompt(context.Background(), PromptRequest{Text: "second"})
	require.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, e.m.State())
	assert.Equal(t, []string{"render in daylight"}, e.driver(0).userMessages)
}

func TestManager_BusyOnlyLeavesToReadyDegradedOrClosed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.m.SubmitPrompt(ctx, daylightRequest())
	require.NoError(t, err)

	e.script.noImage = true
	_, err = e.m.SubmitPrompt(ctx, daylightRequest())
	require.ErrorIs(t, err, ErrPollTimeout)

	e.driver(0).page = "login"
	_, err = e.m.SubmitPrompt(ctx, daylightRequest())
	require.ErrorIs(t, err, ErrNavigation)
	assert.Equal(t, StateDegraded, e.m.State())

	e.script.noImage = false
	_, err = e.m.SubmitPrompt(ctx, daylightRequest())
	require.NoError(t, err)

	require.NoError(t, e.m.CloseSession(ctx))

	transitions := e.seen()
	require.NotEmpty(t, transitions)
	for _, tr := range transitions {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
		if tr[0] == StateBusy {
			assert.Contains(t, []State{StateReady, StateDegraded, StateClosed}, tr[1])
		}
	}
	assert.Equal(t, [2]State{StateReady, StateClosed}, transitions[len(transitions)-1])
}

func TestManager_ReconnectsDegradedSessionInPlace(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.m.SubmitPrompt(ctx, daylightRequest())
	require.NoError(t, err)

	e.driver(0).page = "login"
	_, err = e.m.SubmitPrompt(ctx, daylightRequest())
	require.ErrorIs(t, err, ErrNavigation)
	require.Equal(t, StateDegraded, e.m.State())

	s := e.m.GetSession(ctx)

	require.NotNil(t, s)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, e.driverCount())
}

func TestManager_RecreatesAfterDisconnect(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.m.SubmitPrompt(ctx, daylightRequest())
	require.NoError(t, err)

	e.driver(0).Disconnect()
	assert.Nil(t, e.m.GetSession(ctx))

	_, err = e.m.SubmitPrompt(ctx, daylightRequest())

	require.NoError(t, err)
	assert.Equal(t, 2, e.driverCount())
	assert.Equal(t, 1, e.driver(0).closed)
}

func TestManager_RetriedCreationMatchesFirstAttempt(t *testing.T) {
	ctx := context.Background()

	fresh := newTestEnv(t)
	s1, err := fresh.m.CreateSession(ctx)
	require.NoError(t, err)

	retried := newTestEnv(t)
	retried.script.launchErrs = []error{errors.New("browserType.launch: Target closed")}
	s2, err := retried.m.CreateSession(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, retried.driverCount())
	assert.Contains(t, retried.clock.Sleeps(), 5*time.Second)
	assert.Equal(t, s1.State(), s2.State())

	p1, ok1, err1 := testTarget().ChatReady.First(ctx, s1.Driver())
	p2, ok2, err2 := testTarget().ChatReady.First(ctx, s2.Driver())
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, p1, p2)

	a1, _ := fresh.m.authenticated(ctx, s1.Driver(), testTimings().Interaction.Ready)
	a2, _ := retried.m.authenticated(ctx, s2.Driver(), testTimings().Interaction.Ready)
	assert.True(t, a1)
	assert.Equal(t, a1, a2)
}

func TestManager_CreationExhaustsRetries(t *testing.T) {
	e := newTestEnv(t)
	e.script.launchErrs = []error{
		errors.New("launch failed 1"),
		errors.New("launch failed 2"),
		errors.New("launch failed 3"),
	}

	_, err := e.m.CreateSession(context.Background())

	require.ErrorIs(t, err, ErrSessionCreation)
	require.ErrorIs(t, err, ErrLaunch)
	var e2 *Error
	require.ErrorAs(t, err, &e2)
	assert.Equal(t, KindSessionCreation, e2.Kind)
	assert.Equal(t, 3, e2.Attempt)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, e.clock.Sleeps())
	assert.Equal(t, StateUninitialized, e.m.State())
}

func TestManager_TransientNavigationRetriedOnce(t *testing.T) {
	e := newTestEnv(t, func(_ *testEnv, _ *Options, prepare *func(*fakeDriver)) {
		*prepare = func(d *fakeDriver) { d.failNext["navigate"] = errDetached }
	})

	_, err := e.m.CreateSession(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, e.driverCount())
	assert.Len(t, filterCalls(e.driver(0).Calls(), "navigate:"), 2)
}

func TestManager_SessionTokenInjection(t *testing.T) {
	e := newTestEnv(t, func(e *testEnv, opts *Options, _ *func(*fakeDriver)) {
		e.store.cookies = nil
		opts.Credentials = Credentials{SessionToken: "long-lived"}
	})

	_, err := e.m.CreateSession(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"cookie:" + testToken}, filterCalls(e.driver(0).Calls(), "cookie:"))
	assert.Equal(t, "long-lived", e.driver(0).cookies[0].Value)
	assert.Equal(t, ".chat.example.test", e.driver(0).cookies[0].Domain)
}

func TestManager_AutomatedLogin(t *testing.T) {
	e := newTestEnv(t, func(e *testEnv, opts *Options, _ *func(*fakeDriver)) {
		e.store.cookies = nil
		e.script.email = "user@example.test"
		e.script.password = "secret"
		opts.Credentials = Credentials{Email: "user@example.test", Password: "secret"}
	})
	ctx := context.Background()

	_, err := e.m.CreateSession(ctx)
	require.NoError(t, err)

	calls := e.driver(0).Calls()
	assert.Contains(t, calls, "type:#email:user@example.test")
	assert.Contains(t, calls, "type:#password:secret")
	assert.Contains(t, calls, "navigate:"+testOrigin)

	require.NoError(t, e.m.CloseSession(ctx))
	require.Equal(t, 1, e.store.Saves())
	assert.Equal(t, testToken, e.store.cookies[0].Name)
}

func TestManager_WrongPasswordExhaustsRetries(t *testing.T) {
	e := newTestEnv(t, func(e *testEnv, opts *Options, _ *func(*fakeDriver)) {
		e.store.cookies = nil
		e.script.email = "user@example.test"
		e.script.password = "secret"
		opts.Credentials = Credentials{Email: "user@example.test", Password: "wrong"}
	})

	_, err := e.m.CreateSession(context.Background())

	require.ErrorIs(t, err, ErrSessionCreation)
	require.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, 3, e.driverCount())
}

func TestManager_ChallengeDuringCreation(t *testing.T) {
	e := newTestEnv(t)
	e.script.challengeFor = 3 * time.Second

	_, err := e.m.CreateSession(context.Background())

	require.NoError(t, err)
	assert.Contains(t, e.seen(), [2]State{StateLaunching, StateChallenged})
	assert.Contains(t, e.seen(), [2]State{StateChallenged, StateReady})
}

func TestManager_CloseSessionIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.m.CreateSession(ctx)
	require.NoError(t, err)

	require.NoError(t, e.m.CloseSession(ctx))
	require.NoError(t, e.m.CloseSession(ctx))

	assert.Equal(t, 1, e.driver(0).closed)
	assert.Equal(t, 1, e.store.Saves())
	assert.Equal(t, StateUninitialized, e.m.State())
}

func TestManager_CloseSwallowsCookieReadErrors(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.m.CreateSession(ctx)
	require.NoError(t, err)
	e.driver(0).FailNext("cookies", errors.New("cookies unavailable"))

	require.NoError(t, e.m.CloseSession(ctx))
	assert.Zero(t, e.store.Saves())
	assert.Equal(t, 1, e.driver(0).closed)
}

func TestManager_RejectsInvalidRequests(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.m.SubmitPrompt(ctx, PromptRequest{Text: "   "})
	require.ErrorIs(t, err, ErrInvalidRequest)

	many := make([]Attachment, 5)
	_, err = e.m.SubmitPrompt(ctx, PromptRequest{Text: "x", Attachments: many})
	require.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, e.driverCount())
}

func TestManager_IdleTimeoutClosesDeadSession(t *testing.T) {
	e := newTestEnv(t, func(_ *testEnv, opts *Options, _ *func(*fakeDriver)) {
		opts.IdleTimeout = 20 * time.Millisecond
	})

	_, err := e.m.CreateSession(context.Background())
	require.NoError(t, err)
	e.driver(0).Disconnect()

	require.Eventually(t, func() bool {
		return e.m.State() == StateUninitialized
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, e.driver(0).closed)
}

func TestManager_IdleTimeoutKeepsHealthySession(t *testing.T) {
	e := newTestEnv(t, func(_ *testEnv, opts *Options, _ *func(*fakeDriver)) {
		opts.IdleTimeout = 10 * time.Millisecond
	})

	_, err := e.m.CreateSession(context.Background())
	require.NoError(t, err)

	assert.Never(t, func() bool {
		return e.m.State() != StateReady
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, e.driver(0).closed)
}

func withIdle(d time.Duration) envOption {
	return func(_ *testEnv, opts *Options, _ *func(*fakeDriver)) {
		opts.IdleTimeout = d
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("вызов так и не начался")
	}
}

func TestManager_SubmitWaitsForIdleReconnect(t *testing.T) {
	e := newTestEnv(t, withIdle(20*time.Millisecond))

	_, err := e.m.CreateSession(context.Background())
	require.NoError(t, err)
	entered, release := e.driver(0).HoldNextNavigate()
	defer release()
	e.driver(0).ShowPage("login")
	waitClosed(t, entered)

	done := make(chan error, 1)
	go func() {
		_, err := e.m.SubmitPrompt(context.Background(), daylightRequest())
		done <- err
	}()

	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("запрос не дождался восстановления сессии")
	}
	assert.Equal(t, StateReady, e.m.State())
	assert.Equal(t, 1, e.driverCount())
	assert.Zero(t, e.driver(0).Closes())
}

func TestManager_SubmitWaitForIdleRespectsContext(t *testing.T) {
	e := newTestEnv(t, withIdle(20*time.Millisecond))

	_, err := e.m.CreateSession(context.Background())
	require.NoError(t, err)
	entered, release := e.driver(0).HoldNextNavigate()
	defer release()
	e.driver(0).ShowPage("login")
	waitClosed(t, entered)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = e.m.SubmitPrompt(ctx, daylightRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrSessionBusy)
}

func TestManager_IdleReconnectSparesReplacementSession(t *testing.T) {
	e := newTestEnv(t, withIdle(20*time.Millisecond))

	_, err := e.m.CreateSession(context.Background())
	require.NoError(t, err)
	entered, release := e.driver(0).HoldNextNavigate()
	defer release()
	e.driver(0).ShowPage("login")
	waitClosed(t, entered)

	fresh, err := e.m.CreateSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, e.driverCount())
	assert.Equal(t, 1, e.driver(0).Closes())

	release()

	assert.Never(t, func() bool {
		return e.m.State() != StateReady
	}, 150*time.Millisecond, 10*time.Millisecond)
	assert.Same(t, fresh, e.m.GetSession(context.Background()))
	assert.Zero(t, e.driver(1).Closes())
}

func TestManager_SubmitJoinsSessionBeingCreated(t *testing.T) {
	var entered <-chan struct{}
	var release func()
	e := newTestEnv(t, func(_ *testEnv, _ *Options, prepare *func(*fakeDriver)) {
		*prepare = func(d *fakeDriver) {
			if entered == nil {
				entered, release = d.HoldNextNavigate()
			}
		}
	})

	created := make(chan error, 1)
	go func() {
		_, err := e.m.CreateSession(context.Background())
		created <- err
	}()
	require.Eventually(t, func() bool { return e.driverCount() == 1 }, time.Second, 5*time.Millisecond)
	defer release()
	waitClosed(t, entered)

	submitted := make(chan error, 1)
	go func() {
		_, err := e.m.SubmitPrompt(context.Background(), daylightRequest())
		submitted <- err
	}()
	assert.Never(t, func() bool { return len(submitted) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	release()
	require.NoError(t, <-created)
	require.NoError(t, <-submitted)
	assert.Equal(t, 1, e.driverCount())
	assert.Zero(t, e.driver(0).Closes())
	assert.Equal(t, StateReady, e.m.State())
}
