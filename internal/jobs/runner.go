package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"renderBridge/internal/database"
	"renderBridge/internal/engine"
	"renderBridge/internal/sanitizer"
)

var (
	ErrQueueFull = errors.New("очередь заданий переполнена")
	ErrStopped   = errors.New("обработчик заданий остановлен")
)

// Submitter выполняет один запрос к сервису. Реализуется engine.Manager.
type Submitter interface {
	SubmitPrompt(ctx context.Context, req engine.PromptRequest) (*engine.GeneratedArtifact, error)
}

type Config struct {
	OutputDir      string
	QueueSize      int
	MaxAttachments int

	// После BreakerFailures сбоев сессии подряд задания отклоняются на BreakerCooldown.
	BreakerFailures int
	BreakerCooldown time.Duration
}

type task struct {
	id  string
	req engine.PromptRequest
}

// Runner принимает задания и выполняет их одним воркером в порядке поступления.
// Сервис допускает только одну генерацию за раз, поэтому воркер ровно один.
type Runner struct {
	cfg       Config
	repo      Repository
	submitter Submitter
	san       *sanitizer.DataSanitizer
	breaker   *CircuitBreaker
	log       *zap.Logger
	now       func() time.Time

	queue chan task

	mu      sync.Mutex
	done    map[string]chan struct{}
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func NewRunner(cfg Config, repo Repository, submitter Submitter, san *sanitizer.DataSanitizer, log *zap.Logger) *Runner {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if san == nil {
		san = sanitizer.New()
	}
	return &Runner{
		cfg:       cfg,
		repo:      repo,
		submitter: submitter,
		san:       san,
		breaker:   NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		log:       log.Named("jobs"),
		now:       time.Now,
		queue:     make(chan task, cfg.QueueSize),
		done:      make(map[string]chan struct{}),
	}
}

// Start запускает воркер. Он работает до Stop или отмены ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.stopped {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.work(ctx)
	r.log.Info("Обработчик заданий запущен", zap.Int("queue", cap(r.queue)))
}

// Stop прерывает текущее задание и ждёт завершения воркера.
// Задания, оставшиеся в очереди, помечаются как прерванные.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.drain()
	r.log.Info("Обработчик заданий остановлен")
}

// Enqueue проверяет запрос, сохраняет задание в статусе pending и ставит его в очередь.
func (r *Runner) Enqueue(ctx context.Context, prompt string, attachments []engine.Attachment) (*database.GenerationJob, error) {
	req := engine.PromptRequest{Text: prompt, Attachments: attachments}
	if err := req.Validate(r.cfg.MaxAttachments); err != nil {
		return nil, err
	}

	job := &database.GenerationJob{
		ID:              uuid.NewString(),
		Status:          database.JobPending,
		Prompt:          prompt,
		AttachmentCount: len(attachments),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrStopped
	}
	if len(r.queue) == cap(r.queue) {
		return nil, ErrQueueFull
	}
	if err := r.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("ошибка сохранения задания: %w", err)
	}

	r.done[job.ID] = make(chan struct{})
	r.queue <- task{id: job.ID, req: req}

	r.log.Info("Задание поставлено в очередь",
		zap.String("job", job.ID),
		zap.Int("attachments", len(attachments)),
		zap.Int("queued", len(r.queue)))
	return job, nil
}

func (r *Runner) Get(ctx context.Context, id string) (*database.GenerationJob, error) {
	return r.repo.Get(ctx, id)
}

func (r *Runner) List(ctx context.Context, limit, offset int) ([]database.GenerationJob, error) {
	return r.repo.List(ctx, limit, offset)
}

// Wait блокируется до завершения задания и возвращает его итоговое состояние.
func (r *Runner) Wait(ctx context.Context, id string) (*database.GenerationJob, error) {
	r.mu.Lock()
	ch, ok := r.done[id]
	r.mu.Unlock()

	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.repo.Get(ctx, id)
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			r.process(ctx, t)
		}
	}
}

func (r *Runner) process(ctx context.Context, t task) {
	defer r.finish(t.id)
	log := r.log.With(zap.String("job", t.id))

	// Статус пишем и после отмены ctx, иначе задание зависнет в running.
	store := context.WithoutCancel(ctx)

	if err := r.repo.MarkRunning(store, t.id, r.now()); err != nil {
		log.Error("Не удалось отметить задание как выполняемое", zap.Error(err))
	}
	if err := r.breaker.Allow(); err != nil {
		r.fail(store, log, t.id, "unavailable", "Сервис временно недоступен, попробуйте позже", err)
		return
	}
	log.Info("Задание выполняется")

	started := r.now()
	art, err := r.submitter.SubmitPrompt(ctx, t.req)
	if ctx.Err() == nil {
		r.breaker.Record(sessionFailure(err))
	}
	if err != nil {
		r.fail(store, log, t.id, kindOf(err), engine.UserMessage(err), err)
		return
	}

	path, err := r.save(t.id, art)
	if err != nil {
		r.fail(store, log, t.id, "storage", "Не удалось сохранить результат", err)
		return
	}

	source := r.san.SanitizeURL(art.SourceURL)
	if err := r.repo.MarkCompleted(store, t.id, path, art.MimeType, source, r.now()); err != nil {
		log.Error("Не удалось сохранить результат задания", zap.Error(err))
		return
	}
	log.Info("Задание выполнено",
		zap.String("path", path),
		zap.String("mime", art.MimeType),
		zap.Int("bytes", len(art.Bytes)),
		zap.Duration("took", r.now().Sub(started)))
}

func (r *Runner) fail(ctx context.Context, log *zap.Logger, id, kind, message string, cause error) {
	detail := r.san.Sanitize(cause.Error())
	log.Warn("Задание завершилось ошибкой",
		zap.String("kind", kind),
		zap.String("error", detail))
	if err := r.repo.MarkFailed(ctx, id, kind, message, detail, r.now()); err != nil {
		log.Error("Не удалось сохранить ошибку задания", zap.Error(err))
	}
}

func (r *Runner) save(id string, art *engine.GeneratedArtifact) (string, error) {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(r.cfg.OutputDir, id+art.Extension())
	if err := os.WriteFile(path, art.Bytes, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Runner) finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.done[id]; ok {
		close(ch)
		delete(r.done, id)
	}
}

// drain закрывает задания, которые воркер так и не взял.
func (r *Runner) drain() {
	for {
		select {
		case t := <-r.queue:
			log := r.log.With(zap.String("job", t.id))
			r.fail(context.Background(), log, t.id, "interrupted", "Обработка прервана остановкой сервиса", ErrStopped)
			r.finish(t.id)
		default:
			return
		}
	}
}

func kindOf(err error) string {
	if k, ok := engine.KindOf(err); ok {
		return k.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "interrupted"
	}
	return "internal"
}

// sessionFailure - сервис не удалось даже открыть, а не конкретный запрос не удался.
func sessionFailure(err error) bool {
	return errors.Is(err, engine.ErrSessionCreation) ||
		errors.Is(err, engine.ErrLoginRequired) ||
		errors.Is(err, engine.ErrChallengeTimeout) ||
		errors.Is(err, engine.ErrLaunch)
}
