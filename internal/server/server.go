package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"renderBridge/internal/config"
	"renderBridge/internal/database"
	"renderBridge/internal/engine"
	"renderBridge/internal/jobs"
	"renderBridge/internal/logger"
)

// JobService - то, что сервер использует из jobs.Runner.
type JobService interface {
	Enqueue(ctx context.Context, prompt string, attachments []engine.Attachment) (*database.GenerationJob, error)
	Get(ctx context.Context, id string) (*database.GenerationJob, error)
	List(ctx context.Context, limit, offset int) ([]database.GenerationJob, error)
}

// SessionState сообщает состояние браузерной сессии для /health.
type SessionState interface {
	State() engine.State
}

type Server struct {
	cfg     *config.Cfg
	log     *logger.Zap
	jobs    JobService
	session SessionState
}

func New(cfg *config.Cfg, log *logger.Zap, jobs JobService, session SessionState) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		jobs:    jobs,
		session: session,
	}
}

// Handler собирает роутер. Вынесен отдельно от Run для тестов.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	// Простейший лог-мидлвар
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("HTTP",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})

	r.GET("/health", s.health)

	api := r.Group("/api")
	api.POST("/generations", s.createGeneration)
	api.GET("/generations", s.listGenerations)
	api.GET("/generations/:id", s.getGeneration)
	api.GET("/generations/:id/artifact", s.getArtifact)

	return r
}

// Run слушает адрес из конфигурации до отмены ctx.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.App.Host, s.cfg.App.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Сервер запущен", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("Остановка сервера")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка остановки сервера: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"session": s.session.State().String(),
	})
}

// createGeneration принимает multipart (поле prompt и файлы files) или JSON {"prompt": "..."}.
func (s *Server) createGeneration(c *gin.Context) {
	var (
		prompt      string
		attachments []engine.Attachment
	)

	if c.ContentType() == gin.MIMEJSON {
		var req struct {
			Prompt string `json:"prompt" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		prompt = req.Prompt
	} else {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ожидается multipart/form-data"})
			return
		}
		if v := form.Value["prompt"]; len(v) > 0 {
			prompt = v[0]
		}
		for _, fh := range form.File["files"] {
			att, err := readAttachment(fh)
			if err != nil {
				s.log.Warn("Не удалось прочитать вложение", zap.String("file", fh.Filename), zap.Error(err))
				c.JSON(http.StatusBadRequest, gin.H{"error": "не удалось прочитать файл " + fh.Filename})
				return
			}
			attachments = append(attachments, att)
		}
	}

	job, err := s.jobs.Enqueue(c.Request.Context(), prompt, attachments)
	if err != nil {
		s.enqueueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) enqueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": engine.UserMessage(err)})
	case errors.Is(err, jobs.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, jobs.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Error("Ошибка постановки задания", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
	}
}

func (s *Server) getGeneration(c *gin.Context) {
	job, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newJobView(job))
}

func (s *Server) listGenerations(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	list, err := s.jobs.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.log.Error("Ошибка чтения заданий", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	views := make([]jobView, 0, len(list))
	for i := range list {
		views = append(views, newJobView(&list[i]))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getArtifact(c *gin.Context) {
	job, ok := s.lookup(c)
	if !ok {
		return
	}
	if job.Status != database.JobCompleted || job.ArtifactPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "результат ещё не готов", "status": job.Status})
		return
	}
	c.Header("Content-Type", job.ArtifactMime)
	c.File(job.ArtifactPath)
}

func (s *Server) lookup(c *gin.Context) (*database.GenerationJob, bool) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	if err != nil {
		s.log.Error("Ошибка чтения задания", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return nil, false
	}
	return job, true
}

func readAttachment(fh *multipart.FileHeader) (engine.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return engine.Attachment{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return engine.Attachment{}, err
	}
	mt := fh.Header.Get("Content-Type")
	if mt == "application/octet-stream" {
		mt = ""
	}
	return engine.Attachment{Data: data, OriginalName: fh.Filename, MimeType: mt}, nil
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
