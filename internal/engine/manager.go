package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"renderBridge/internal/browser"
	"renderBridge/internal/credentials"

	"go.uber.org/zap"
)

// DriverFactory создаёт новый, ещё не запущенный драйвер для каждой попытки.
type DriverFactory func() browser.Driver

// CookieStore - долговременное хранилище cookies между перезапусками процесса.
type CookieStore interface {
	Load() ([]credentials.Cookie, error)
	Save(cookies []credentials.Cookie) error
}

// Credentials - то, чем сессия может авторизоваться без участия человека.
type Credentials struct {
	Email        string
	Password     string
	SessionToken string
}

func (c Credentials) canLogin() bool {
	return c.Email != "" && c.Password != ""
}

// Timings собирает все ожидания движка. Значения подобраны опытным путём.
type Timings struct {
	Challenge   Wait
	Login       Wait
	Interaction InteractionTimings
	Poller      PollerTimings
}

func DefaultTimings() Timings {
	return Timings{
		Challenge: Wait{Interval: 2 * time.Second, Timeout: 30 * time.Second},
		Login:     Wait{Interval: time.Second, Timeout: 20 * time.Second},
		Interaction: InteractionTimings{
			Ready:         Wait{Interval: time.Second, Timeout: 15 * time.Second},
			FileInput:     Wait{Interval: 500 * time.Millisecond, Timeout: 5 * time.Second},
			Preview:       Wait{Interval: 500 * time.Millisecond, Timeout: 15 * time.Second},
			PreviewGrace:  3 * time.Second,
			SubmitEnabled: Wait{Interval: 500 * time.Millisecond, Timeout: 60 * time.Second},
			Acceptance:    Wait{Interval: time.Second, Timeout: 20 * time.Second},
		},
		Poller: PollerTimings{
			Warmup: 45 * time.Second,
			Poll:   Wait{Interval: 5 * time.Second, Timeout: 4 * time.Minute},
		},
	}
}

type Options struct {
	NewDriver      DriverFactory
	Cookies        CookieStore
	Target         Target
	Credentials    Credentials
	Policy         RetryPolicy
	Timings        Timings
	IdleTimeout    time.Duration
	MaxAttachments int
	Downloader     *Downloader
	Diagnostics    *Diagnostics
	Clock          Clock
	Observer       StateObserver
	Logger         *zap.Logger
}

// Manager владеет единственной сессией процесса и сериализует запросы к ней.
type Manager struct {
	newDriver      DriverFactory
	cookies        CookieStore
	target         Target
	creds          Credentials
	policy         RetryPolicy
	timings        Timings
	idleTimeout    time.Duration
	maxAttachments int
	clock          Clock
	observer       StateObserver
	log            *zap.Logger

	challenge  *ChallengeHandler
	protocol   *InteractionProtocol
	poller     *ResultPoller
	downloader *Downloader
	diag       *Diagnostics

	createMu sync.Mutex
	mu       sync.Mutex
	session  *Session
	idle     *time.Timer
	inflight atomic.Bool
	// ops - очередь к странице: её держат запрос и проверка простоя.
	ops chan struct{}
}

func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy.MaxAttempts = 1
	}
	if opts.Downloader == nil {
		opts.Downloader = NewDownloader(nil, "")
	}

	m := &Manager{
		newDriver:      opts.NewDriver,
		cookies:        opts.Cookies,
		target:         opts.Target,
		creds:          opts.Credentials,
		policy:         opts.Policy,
		timings:        opts.Timings,
		idleTimeout:    opts.IdleTimeout,
		maxAttachments: opts.MaxAttachments,
		clock:          clock,
		log:            log,
		downloader:     opts.Downloader,
		diag:           opts.Diagnostics,
		ops:            make(chan struct{}, 1),
	}
	m.observer = func(from, to State) {
		m.log.Info("Состояние сессии изменилось", zap.Stringer("from", from), zap.Stringer("state", to))
		if opts.Observer != nil {
			opts.Observer(from, to)
		}
	}
	m.challenge = NewChallengeHandler(opts.Target, opts.Timings.Challenge, clock, opts.Diagnostics, log.Named("challenge"))
	m.protocol = NewInteractionProtocol(opts.Target, opts.Timings.Interaction, clock, log.Named("interaction"))
	m.poller = NewResultPoller(opts.Target, opts.Timings.Poller, clock, log.Named("poller"))
	return m
}

// State - состояние текущей сессии; без сессии Uninitialized.
func (m *Manager) State() State {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return StateUninitialized
	}
	return s.State()
}

func (m *Manager) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// GetSession возвращает живую сессию, при необходимости восстанавливая её.
// nil означает, что пути восстановления нет и нужен CreateSession.
func (m *Manager) GetSession(ctx context.Context) *Session {
	s := m.current()
	if s == nil {
		return nil
	}

	switch s.State() {
	case StateReady, StateBusy:
		if d := s.Driver(); d != nil && d.IsConnected() {
			return s
		}
		if err := s.transition(StateDegraded); err != nil {
			return nil
		}
	case StateDegraded:
	default:
		return nil
	}

	if err := m.reconnect(ctx, s); err != nil {
		m.log.Warn("Восстановить сессию не удалось", zap.Error(err))
		return nil
	}
	return s
}

// reconnect возвращает деградировавшую сессию к Ready, не перезапуская браузер.
func (m *Manager) reconnect(ctx context.Context, s *Session) error {
	if m.current() != s {
		return newError(KindSessionClosed, "reconnect", "сессия уже заменена", nil)
	}
	d := s.Driver()
	if d == nil || !d.IsConnected() {
		return newError(KindSessionClosed, "reconnect", "браузер недоступен", nil)
	}
	if err := s.transition(StateLaunching); err != nil {
		return err
	}

	target := s.ReconnectHint()
	if target == "" {
		target = m.target.Origin
	}
	m.log.Info("Восстанавливаем сессию", zap.String("url", target))

	err := m.openReady(ctx, s, d, target)
	if err != nil {
		_ = s.transition(StateDegraded)
		return err
	}
	if m.current() != s {
		return newError(KindSessionClosed, "reconnect", "сессия заменена во время восстановления", nil)
	}
	if err := s.transition(StateReady); err != nil {
		return err
	}
	s.touch(m.clock.Now(), "")
	m.armIdle(s)
	return nil
}

// openReady переходит по адресу, ждёт ухода заглушки и признаков готового чата.
func (m *Manager) openReady(ctx context.Context, s *Session, d browser.Driver, url string) error {
	if err := d.Navigate(ctx, url); err != nil {
		return newError(KindNavigation, "navigate", url, err)
	}
	if err := m.passChallenge(ctx, s, d); err != nil {
		return err
	}
	ready, err := m.chatReady(ctx, d, m.timings.Interaction.Ready)
	if err != nil {
		return err
	}
	if !ready {
		return newError(KindNavigation, "readiness", "интерфейс чата не найден", nil)
	}
	return nil
}

// CreateSession закрывает текущую сессию и создаёт новую, повторяя попытки по RetryPolicy.
func (m *Manager) CreateSession(ctx context.Context) (*Session, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()
	return m.create(ctx)
}

// ensureSession отдаёт живую сессию или создаёт её. Если сессию в это время
// создаёт кто-то другой, дожидается его и использует результат.
func (m *Manager) ensureSession(ctx context.Context) (*Session, error) {
	if s := m.GetSession(ctx); s != nil {
		return s, nil
	}
	m.createMu.Lock()
	defer m.createMu.Unlock()
	if s := m.GetSession(ctx); s != nil {
		return s, nil
	}
	return m.create(ctx)
}

func (m *Manager) create(ctx context.Context) (*Session, error) {
	if err := m.CloseSession(ctx); err != nil {
		m.log.Warn("Предыдущая сессия закрыта с ошибкой", zap.Error(err))
	}

	s := newSession(m.observer)
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		log := m.log.With(zap.Int("attempt", attempt), zap.Int("max_attempts", m.policy.MaxAttempts))
		log.Info("Создаём сессию")

		err := m.establish(ctx, s)
		if err == nil {
			if err := s.transition(StateReady); err != nil {
				return nil, err
			}
			s.touch(m.clock.Now(), "")
			m.armIdle(s)
			log.Info("Сессия готова")
			return s, nil
		}

		var e *Error
		if errors.As(err, &e) && e.Attempt == 0 {
			e.Attempt = attempt
		}
		lastErr = err
		log.Warn("Попытка создания сессии не удалась", zap.Error(err))

		m.discard(s)
		if m.current() != s {
			return nil, newError(KindSessionClosed, "create", "сессия закрыта во время создания", err)
		}
		_ = s.transition(StateDegraded)

		if errors.Is(err, ErrLoginRequired) && !m.creds.canLogin() {
			_ = m.closeIfCurrent(ctx, s)
			return nil, err
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < m.policy.MaxAttempts {
			delay := m.policy.delay(attempt)
			log.Info("Пауза перед следующей попыткой", zap.Duration("backoff", delay))
			if err := m.clock.Sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	_ = m.closeIfCurrent(ctx, s)
	return nil, &Error{
		Kind:    KindSessionCreation,
		Step:    "create",
		Attempt: m.policy.MaxAttempts,
		Message: "все попытки исчерпаны",
		Err:     lastErr,
	}
}

// establish - одна полная попытка: запуск, заглушка, авторизация, проверка чата.
func (m *Manager) establish(ctx context.Context, s *Session) error {
	if err := s.transition(StateLaunching); err != nil {
		return err
	}

	d := withTransientRetry(m.newDriver(), m.log.Named("driver"))
	s.setDriver(d)

	if err := d.Launch(ctx); err != nil {
		return newError(KindLaunch, "launch", "браузер не запустился", err)
	}
	if err := d.Navigate(ctx, m.target.Origin); err != nil {
		return newError(KindNavigation, "navigate", m.target.Origin, err)
	}
	if err := m.passChallenge(ctx, s, d); err != nil {
		return err
	}

	if err := m.restoreAuth(ctx, d); err != nil {
		return err
	}
	if err := d.Reload(ctx); err != nil {
		return newError(KindNavigation, "reload", "", err)
	}
	if err := m.passChallenge(ctx, s, d); err != nil {
		return err
	}

	ready, err := m.authenticated(ctx, d, m.timings.Interaction.Ready)
	if err != nil {
		return err
	}
	if ready {
		return nil
	}

	if !m.creds.canLogin() {
		m.diag.Dump(ctx, d, "login-required")
		return newError(KindLoginRequired, "auth", "нет действующих cookies и учётных данных", nil)
	}
	if err := m.login(ctx, s, d); err != nil {
		return err
	}

	ready, err = m.authenticated(ctx, d, m.timings.Interaction.Ready)
	if err != nil {
		return err
	}
	if !ready {
		m.diag.Dump(ctx, d, "login-failed")
		return newError(KindLoginRequired, "login", "после входа чат недоступен", nil)
	}
	return nil
}

func (m *Manager) passChallenge(ctx context.Context, s *Session, d browser.Driver) error {
	return m.challenge.WaitClear(ctx, d, func(det Detection) {
		if err := s.transition(StateChallenged); err != nil {
			m.log.Debug("Переход в challenged пропущен", zap.Error(err))
		}
	})
}

// restoreAuth внедряет долгоживущий токен, а без него подкладывает сохранённые cookies.
func (m *Manager) restoreAuth(ctx context.Context, d browser.Driver) error {
	var cookies []credentials.Cookie
	source := "store"

	if m.creds.SessionToken != "" && m.target.SessionTokenCookie != "" {
		source = "token"
		cookies = []credentials.Cookie{{
			Name:     m.target.SessionTokenCookie,
			Value:    m.creds.SessionToken,
			Domain:   "." + strings.TrimPrefix(m.target.Host(), "www."),
			Path:     "/",
			Expires:  float64(m.clock.Now().Add(30 * 24 * time.Hour).Unix()),
			HTTPOnly: true,
			Secure:   true,
			SameSite: "Lax",
		}}
	} else if m.cookies != nil {
		loaded, err := m.cookies.Load()
		if err != nil {
			m.log.Warn("Сохранённые cookies не прочитаны", zap.Error(err))
		}
		cookies = loaded
	}

	if len(cookies) == 0 {
		m.log.Info("Авторизационных данных нет, продолжаем без них")
		return nil
	}
	if err := d.SetCookies(ctx, cookies); err != nil {
		return newError(KindNavigation, "auth", "cookies не установлены", err)
	}
	m.log.Info("Авторизация восстановлена", zap.String("source", source), zap.Int("cookies", len(cookies)))
	return nil
}

// chatReady ждёт признаков чата в пределах w.
func (m *Manager) chatReady(ctx context.Context, d browser.Driver, w Wait) (bool, error) {
	err := pollUntil(ctx, m.clock, w, func(ctx context.Context) (bool, error) {
		_, ok, err := m.target.ChatReady.First(ctx, d)
		if err != nil {
			return false, ctx.Err()
		}
		return ok, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return false, nil
	}
	return err == nil, err
}

// authenticated - чат на месте и на странице не предлагают войти.
func (m *Manager) authenticated(ctx context.Context, d browser.Driver, w Wait) (bool, error) {
	ready, err := m.chatReady(ctx, d, w)
	if err != nil || !ready {
		return false, err
	}
	if probe, found, _ := m.target.LoginEntry.First(ctx, d); found {
		m.log.Info("Чат открыт без авторизации", zap.String("probe", probe.Name))
		return false, nil
	}
	return true, nil
}

// login - единственный автоматический проход формы входа.
func (m *Manager) login(ctx context.Context, s *Session, d browser.Driver) error {
	m.log.Info("Выполняем автоматический вход")

	if m.target.LoginURL != "" {
		if err := d.Navigate(ctx, m.target.LoginURL); err != nil {
			return newError(KindNavigation, "login", m.target.LoginURL, err)
		}
	} else if entry, ok, _ := m.target.LoginEntry.First(ctx, d); ok {
		if err := d.Click(ctx, entry.Selector); err != nil {
			return newError(KindLoginRequired, "login", "кнопка входа не нажимается", err)
		}
	}
	if err := m.passChallenge(ctx, s, d); err != nil {
		return err
	}

	if err := m.fillLoginField(ctx, d, m.target.EmailInput, m.creds.Email); err != nil {
		return newError(KindLoginRequired, "login_email", "поле email недоступно", err)
	}
	if err := m.fillLoginField(ctx, d, m.target.PasswordInput, m.creds.Password); err != nil {
		return newError(KindLoginRequired, "login_password", "поле пароля недоступно", err)
	}
	if err := m.passChallenge(ctx, s, d); err != nil {
		return err
	}

	if host := m.target.Host(); host != "" && !strings.Contains(d.URL(), host) {
		if err := d.Navigate(ctx, m.target.Origin); err != nil {
			return newError(KindNavigation, "login_return", m.target.Origin, err)
		}
		return m.passChallenge(ctx, s, d)
	}
	return nil
}

func (m *Manager) fillLoginField(ctx context.Context, d browser.Driver, field ProbeSet, value string) error {
	var probe Probe
	err := pollUntil(ctx, m.clock, m.timings.Login, func(ctx context.Context) (bool, error) {
		p, ok, _ := field.First(ctx, d)
		probe = p
		return ok, ctx.Err()
	})
	if err != nil {
		return err
	}
	if err := d.Type(ctx, probe.Selector, value); err != nil {
		return err
	}
	if button, ok, _ := m.target.ContinueButton.First(ctx, d); ok {
		return d.Click(ctx, button.Selector)
	}
	return d.Press(ctx, probe.Selector, "Enter")
}

// discard закрывает браузер неудачной попытки без сохранения cookies.
func (m *Manager) discard(s *Session) {
	d := s.Driver()
	if d == nil {
		return
	}
	if err := d.Close(); err != nil {
		m.log.Debug("Браузер неудачной попытки закрыт с ошибкой", zap.Error(err))
	}
	s.setDriver(nil)
}

// CloseSession сохраняет cookies, закрывает браузер и забывает сессию. Идемпотентен.
func (m *Manager) CloseSession(ctx context.Context) error {
	return m.closeSession(ctx, nil)
}

// closeIfCurrent закрывает s, только если она всё ещё текущая сессия менеджера.
func (m *Manager) closeIfCurrent(ctx context.Context, s *Session) error {
	return m.closeSession(ctx, s)
}

func (m *Manager) closeSession(ctx context.Context, want *Session) error {
	m.mu.Lock()
	s := m.session
	if s == nil || (want != nil && s != want) {
		m.mu.Unlock()
		return nil
	}
	m.session = nil
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	m.mu.Unlock()

	var closeErr error
	if d := s.Driver(); d != nil {
		if d.IsConnected() {
			m.flushCookies(ctx, d)
		}
		if err := d.Close(); err != nil {
			closeErr = err
			m.log.Warn("Браузер закрыт с ошибкой", zap.Error(err))
		}
		s.setDriver(nil)
	}
	_ = s.transition(StateClosed)
	m.log.Info("Сессия закрыта")
	return closeErr
}

func (m *Manager) flushCookies(ctx context.Context, d browser.Driver) {
	if m.cookies == nil {
		return
	}
	cookies, err := d.Cookies(ctx)
	if err != nil {
		m.log.Warn("Cookies не прочитаны из браузера", zap.Error(err))
		return
	}
	if err := m.cookies.Save(cookies); err != nil {
		m.log.Warn("Cookies не сохранены", zap.Error(err))
		return
	}
	m.log.Info("Cookies сохранены", zap.Int("count", len(cookies)))
}

// SubmitPrompt отправляет вложения и текст и возвращает сгенерированное изображение.
// Второй одновременный вызов получает ErrSessionBusy.
func (m *Manager) SubmitPrompt(ctx context.Context, req PromptRequest) (*GeneratedArtifact, error) {
	if err := req.Validate(m.maxAttachments); err != nil {
		return nil, err
	}
	if !m.inflight.CompareAndSwap(false, true) {
		return nil, newError(KindSessionBusy, "submit", "предыдущий запрос ещё выполняется", nil)
	}
	defer m.inflight.Store(false)

	// Проверка простоя могла начать восстановление: ждём его, а не отказываем.
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	s, err := m.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	if from, ok := s.tryBusy(); !ok {
		if from == StateClosed {
			return nil, newError(KindSessionClosed, "submit", "сессия закрыта", nil)
		}
		return nil, newError(KindSessionBusy, "submit", "сессия в состоянии "+from.String(), nil)
	}

	start := m.clock.Now()
	artifact, err := m.run(ctx, s, req)
	m.finish(s, err)

	if err != nil {
		if m.current() != s {
			return nil, newError(KindSessionClosed, "submit", "сессия закрыта во время запроса", err)
		}
		m.log.Error("Запрос не выполнен", zap.Error(err), zap.Duration("elapsed", m.clock.Now().Sub(start)))
		return nil, err
	}

	m.log.Info("Изображение получено",
		zap.String("mime", artifact.MimeType),
		zap.Int("bytes", len(artifact.Bytes)),
		zap.Duration("elapsed", m.clock.Now().Sub(start)),
	)
	return artifact, nil
}

func (m *Manager) run(ctx context.Context, s *Session, req PromptRequest) (*GeneratedArtifact, error) {
	d := s.Driver()
	if d == nil {
		return nil, newError(KindSessionClosed, "submit", "браузер уже закрыт", nil)
	}

	baseline := m.poller.Baseline(ctx, d)
	if err := m.protocol.Send(ctx, d, req); err != nil {
		m.diag.Dump(ctx, d, "send-failed")
		return nil, err
	}
	s.touch(m.clock.Now(), d.URL())

	src, err := m.poller.Await(ctx, d, baseline)
	if err != nil {
		m.diag.Dump(ctx, d, "poll-failed")
		return nil, err
	}
	return m.downloader.Fetch(ctx, src)
}

// finish возвращает сессию из Busy: в Ready, если страницей можно пользоваться дальше.
func (m *Manager) finish(s *Session, err error) {
	if s.State() != StateBusy {
		return
	}
	next := StateReady
	if err != nil && m.degrades(s, err) {
		next = StateDegraded
	}
	if terr := s.transition(next); terr != nil {
		m.log.Error("Сессия не вышла из busy", zap.Error(terr))
		return
	}
	if next == StateReady {
		s.touch(m.clock.Now(), "")
		m.armIdle(s)
	}
}

func (m *Manager) degrades(s *Session, err error) bool {
	if d := s.Driver(); d == nil || !d.IsConnected() {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if kind, ok := KindOf(err); ok && kind == KindNavigation {
		return true
	}
	return hasTransientCause(err)
}

func hasTransientCause(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if IsTransient(err) {
			return true
		}
	}
	return false
}

// armIdle перезапускает таймер бездействия для сессии s.
func (m *Manager) armIdle(s *Session) {
	if m.idleTimeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s {
		return
	}
	if m.idle != nil {
		m.idle.Stop()
	}
	m.idle = time.AfterFunc(m.idleTimeout, func() { m.onIdle(s) })
}

// onIdle сначала пробует лёгкое восстановление и закрывает сессию, только если оно не удалось.
func (m *Manager) onIdle(s *Session) {
	if m.current() != s {
		return
	}
	if !m.tryAcquire() {
		m.armIdle(s)
		return
	}
	defer m.release()
	if m.current() != s {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.idleCheckTimeout())
	defer cancel()

	m.log.Info("Сессия простаивает, проверяем её", zap.Duration("idle_timeout", m.idleTimeout))

	if s.State() == StateReady {
		d := s.Driver()
		if d != nil && d.IsConnected() {
			if _, ok, err := m.target.ChatReady.First(ctx, d); err == nil && ok {
				m.armIdle(s)
				return
			}
		}
		_ = s.transition(StateDegraded)
	}

	if s.State() == StateDegraded {
		if err := m.reconnect(ctx, s); err == nil {
			return
		}
	}

	m.log.Info("Сессия не восстановлена после простоя, закрываем")
	if err := m.closeIfCurrent(ctx, s); err != nil {
		m.log.Warn("Закрытие по простою завершилось с ошибкой", zap.Error(err))
	}
}

func (m *Manager) idleCheckTimeout() time.Duration {
	return m.timings.Challenge.Timeout + m.timings.Interaction.Ready.Timeout + 30*time.Second
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) tryAcquire() bool {
	select {
	case m.ops <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) release() {
	<-m.ops
}
