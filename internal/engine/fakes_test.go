package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"renderBridge/internal/browser"
	"renderBridge/internal/credentials"
)

// fakeClock двигает время только через Sleep и Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

const (
	testOrigin   = "https://chat.example.test/"
	testLoginURL = "https://auth.example.test/login"
	testToken    = "session-token"
)

func testTarget() Target {
	return Target{
		Origin:              testOrigin,
		ChallengeURLMarkers: []string{"/challenge"},
		ChallengePhrases:    []string{"just a moment"},
		MinBodyText:         10,

		ChatReady:         ProbeSet{{Name: "composer", Selector: "#composer"}, {Name: "prompt", Selector: "#prompt"}},
		FileInput:         ProbeSet{{Name: "file", Selector: "input[type=file]"}},
		AttachButton:      ProbeSet{{Name: "attach", Selector: "#attach"}},
		AttachmentPreview: ProbeSet{{Name: "preview", Selector: ".preview"}},
		PromptInput:       ProbeSet{{Name: "prompt", Selector: "#prompt"}},
		SubmitButton:      ProbeSet{{Name: "send", Selector: "#send"}},

		UserMessage:    ".user",
		AssistantTurn:  ".assistant",
		AssistantImage: ".assistant img",
		DocumentImage:  "img",

		ArtifactURLPatterns: []string{"/files.example.test/"},

		EmailInput:     ProbeSet{{Name: "email", Selector: "#email"}},
		PasswordInput:  ProbeSet{{Name: "password", Selector: "#password"}},
		LoginEntry:     ProbeSet{{Name: "login", Selector: "#login"}},
		ContinueButton: ProbeSet{{Name: "continue", Selector: "#continue"}},

		SessionTokenCookie: testToken,
	}
}

func testTimings() Timings {
	return Timings{
		Challenge: Wait{Interval: time.Second, Timeout: 10 * time.Second},
		Login:     Wait{Interval: time.Second, Timeout: 5 * time.Second},
		Interaction: InteractionTimings{
			Ready:         Wait{Interval: time.Second, Timeout: 5 * time.Second},
			FileInput:     Wait{Interval: time.Second, Timeout: 3 * time.Second},
			Preview:       Wait{Interval: time.Second, Timeout: 3 * time.Second},
			PreviewGrace:  2 * time.Second,
			SubmitEnabled: Wait{Interval: time.Second, Timeout: 10 * time.Second},
			Acceptance:    Wait{Interval: time.Second, Timeout: 5 * time.Second},
		},
		Poller: PollerTimings{
			Warmup: 20 * time.Second,
			Poll:   Wait{Interval: 5 * time.Second, Timeout: 60 * time.Second},
		},
	}
}

// fakeScript описывает поведение имитируемого сервиса.
type fakeScript struct {
	clock *fakeClock

	challengeFor     time.Duration
	challengeForever bool

	email    string
	password string

	hideFileInput   bool
	noPreview       bool
	noSendButton    bool
	sendNeverEnable bool
	processing      time.Duration
	echo            func(prompt string) string
	dropMessage     bool

	renderAfter  time.Duration
	imageURL     func(n int) string
	fallbackOnly bool
	noImage      bool

	launchErrs []error

	onSend func()
}

type fakeDriver struct {
	mu     sync.Mutex
	script *fakeScript

	connected bool
	closed    int
	url       string
	page      string
	authed    bool
	cookies   []credentials.Cookie

	challengeShown  bool
	challengedUntil time.Time

	loginStage int
	email      string
	password   string

	navGate    chan struct{}
	navEntered chan struct{}

	prompt        string
	selected      bool
	previews      int
	sendEnabledAt time.Time
	submissions   int
	userMessages  []string
	assistantImgs []string
	otherImgs     []string
	pendingImage  string
	pendingAt     time.Time

	calls    []string
	failNext map[string]error
}

func newFakeDriver(script *fakeScript) *fakeDriver {
	return &fakeDriver{script: script, failNext: map[string]error{}}
}

func (f *fakeDriver) now() time.Time {
	return f.script.clock.Now()
}

func (f *fakeDriver) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeDriver) fail(op string) error {
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

func (f *fakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDriver) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

func (f *fakeDriver) challenged() bool {
	if f.script.challengeForever {
		return true
	}
	return f.now().Before(f.challengedUntil)
}

func (f *fakeDriver) open(url string) {
	f.url = url
	f.page = "chat"
	if strings.Contains(url, "/login") {
		f.page = "login"
	}
	if !f.challengeShown && (f.script.challengeFor > 0 || f.script.challengeForever) {
		f.challengeShown = true
		f.challengedUntil = f.now().Add(f.script.challengeFor)
	}
}

func (f *fakeDriver) Launch(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("launch")
	if len(f.script.launchErrs) > 0 {
		err := f.script.launchErrs[0]
		f.script.launchErrs = f.script.launchErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeDriver) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDriver) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// HoldNextNavigate задерживает следующий Navigate: entered закрывается, когда
// вызов начался, а сам вызов продолжается только после release.
func (f *fakeDriver) HoldNextNavigate() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate, in := make(chan struct{}), make(chan struct{})
	f.navGate, f.navEntered = gate, in
	var once sync.Once
	return in, func() { once.Do(func() { close(gate) }) }
}

func (f *fakeDriver) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ShowPage переключает открытую страницу без навигации.
func (f *fakeDriver) ShowPage(page string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page = page
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	gate, entered := f.navGate, f.navEntered
	f.navGate, f.navEntered = nil, nil
	f.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("navigate:%s", url)
	if err := f.fail("navigate"); err != nil {
		return err
	}
	f.open(url)
	return nil
}

func (f *fakeDriver) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reload")
	f.open(f.url)
	return nil
}

func (f *fakeDriver) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challenged() {
		return f.url + "cdn-cgi/challenge"
	}
	return f.url
}

func (f *fakeDriver) Title(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challenged() {
		return "Just a moment...", nil
	}
	return "Chat", nil
}

func (f *fakeDriver) Content(ctx context.Context) (string, error) {
	return "<html></html>", nil
}

func (f *fakeDriver) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("evaluate"); err != nil {
		return nil, err
	}
	if script != scriptBodyText {
		return nil, nil
	}
	if f.challenged() {
		return "", nil
	}
	return "Conversation workspace with history", nil
}

func (f *fakeDriver) flushPending() {
	if f.pendingImage == "" || f.now().Before(f.pendingAt) {
		return
	}
	if f.script.fallbackOnly {
		f.otherImgs = append(f.otherImgs, f.pendingImage)
	} else {
		f.assistantImgs = append(f.assistantImgs, f.pendingImage)
	}
	f.pendingImage = ""
}

func (f *fakeDriver) count(selector string) int {
	if f.challenged() || !f.connected {
		return 0
	}
	chat := f.page == "chat"
	switch selector {
	case "#composer", "#attach":
		return boolInt(chat)
	case "#prompt":
		return boolInt(chat && f.authed)
	case "#login":
		return boolInt(chat && !f.authed)
	case "input[type=file]":
		return boolInt(chat && f.authed && !f.script.hideFileInput)
	case ".preview":
		return f.previews
	case "#send":
		return boolInt(chat && f.authed && !f.script.noSendButton)
	case ".user":
		return len(f.userMessages)
	case "#email":
		return boolInt(f.page == "login" && f.loginStage == 0)
	case "#password":
		return boolInt(f.page == "login" && f.loginStage == 1)
	case "#continue":
		return boolInt(f.page == "login")
	}
	return 0
}

func (f *fakeDriver) Count(ctx context.Context, selector string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("count"); err != nil {
		return 0, err
	}
	return f.count(selector), nil
}

func (f *fakeDriver) Texts(ctx context.Context, selector string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if selector == ".user" {
		return append([]string(nil), f.userMessages...), nil
	}
	return nil, nil
}

func (f *fakeDriver) Attributes(ctx context.Context, selector, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushPending()
	switch selector {
	case ".assistant img":
		return append([]string(nil), f.assistantImgs...), nil
	case "img":
		all := append([]string{"https://chat.example.test/static/avatar.png"}, f.assistantImgs...)
		return append(all, f.otherImgs...), nil
	}
	return nil, nil
}

func (f *fakeDriver) IsEnabled(ctx context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if selector != "#send" || f.script.sendNeverEnable {
		return false, nil
	}
	return f.prompt != "" && !f.now().Before(f.sendEnabledAt), nil
}

func (f *fakeDriver) send() {
	f.submissions++
	text := f.prompt
	if f.script.echo != nil {
		text = f.script.echo(text)
	}
	if !f.script.dropMessage {
		f.userMessages = append(f.userMessages, text)
	}
	f.prompt = ""
	f.previews = 0
	if !f.script.noImage && f.script.imageURL != nil {
		f.pendingImage = f.script.imageURL(f.submissions)
		f.pendingAt = f.now().Add(f.script.renderAfter)
	}
	if f.script.onSend != nil {
		f.script.onSend()
	}
}

func (f *fakeDriver) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("click:%s", selector)
	switch selector {
	case "#send":
		f.send()
	case "#attach":
		f.script.hideFileInput = false
	case "#login":
		f.url = testLoginURL
		f.page = "login"
	case "#continue":
		switch {
		case f.loginStage == 0 && f.email != "":
			f.loginStage = 1
		case f.loginStage == 1 && f.password != "":
			if f.email == f.script.email && f.password == f.script.password {
				f.authed = true
				f.cookies = append(f.cookies, credentials.Cookie{Name: testToken, Value: "issued", Domain: ".chat.example.test", Path: "/"})
			}
		}
	}
	return nil
}

func (f *fakeDriver) Type(ctx context.Context, selector, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("type:%s:%s", selector, text)
	switch selector {
	case "#prompt":
		f.prompt += text
	case "#email":
		f.email = text
	case "#password":
		f.password = text
	}
	return nil
}

func (f *fakeDriver) Press(ctx context.Context, selector, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("press:%s:%s", selector, key)
	switch key {
	case "ControlOrMeta+a":
		f.selected = true
	case "Backspace":
		if f.selected {
			f.prompt = ""
			f.selected = false
		}
	case "Enter":
		if selector == "#prompt" {
			f.send()
		}
	}
	return nil
}

func (f *fakeDriver) Upload(ctx context.Context, selector string, files ...browser.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("upload"); err != nil {
		return err
	}
	for _, file := range files {
		f.record("upload:%s", file.Name)
	}
	if !f.script.noPreview {
		f.previews += len(files)
	}
	f.sendEnabledAt = f.now().Add(f.script.processing)
	return nil
}

func (f *fakeDriver) ScrollIntoView(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("scroll:%s", selector)
	return nil
}

func (f *fakeDriver) Screenshot(ctx context.Context, path string) error {
	return nil
}

func (f *fakeDriver) Cookies(ctx context.Context) ([]credentials.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("cookies"); err != nil {
		return nil, err
	}
	return append([]credentials.Cookie(nil), f.cookies...), nil
}

func (f *fakeDriver) SetCookies(ctx context.Context, cookies []credentials.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cookies {
		f.record("cookie:%s", c.Name)
		if c.Name == testToken && c.Value != "" {
			f.authed = true
		}
	}
	f.cookies = append(f.cookies, cookies...)
	return nil
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed++
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// fakeCookieStore хранит cookies в памяти.
type fakeCookieStore struct {
	mu      sync.Mutex
	cookies []credentials.Cookie
	saved   [][]credentials.Cookie
	loadErr error
}

func (s *fakeCookieStore) Load() ([]credentials.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]credentials.Cookie(nil), s.cookies...), nil
}

func (s *fakeCookieStore) Save(cookies []credentials.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, cookies)
	s.cookies = cookies
	return nil
}

func (s *fakeCookieStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func validCookies() []credentials.Cookie {
	return []credentials.Cookie{
		{Name: testToken, Value: "stored", Domain: ".chat.example.test", Path: "/"},
		{Name: "cf_clearance", Value: "cf", Domain: ".chat.example.test", Path: "/"},
	}
}

var errDetached = errors.New("frame was detached")
