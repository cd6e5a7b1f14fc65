package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"renderBridge/internal/cli/ui"
	"renderBridge/internal/database"
	"renderBridge/internal/engine"

	"go.uber.org/zap"
)

// JobService - часть jobs.Runner, нужная командам.
type JobService interface {
	Enqueue(ctx context.Context, prompt string, attachments []engine.Attachment) (*database.GenerationJob, error)
	Wait(ctx context.Context, id string) (*database.GenerationJob, error)
	Get(ctx context.Context, id string) (*database.GenerationJob, error)
	List(ctx context.Context, limit, offset int) ([]database.GenerationJob, error)
}

// GenerationHandler обрабатывает команды генерации
type GenerationHandler struct {
	jobs    JobService
	log     *zap.Logger
	out     io.Writer
	pending []engine.Attachment
}

func NewGenerationHandler(jobs JobService, log *zap.Logger, out io.Writer) *GenerationHandler {
	return &GenerationHandler{
		jobs: jobs,
		log:  log,
		out:  out,
	}
}

// Attach добавляет файл к следующему запросу
func (h *GenerationHandler) Attach(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		fmt.Fprintf(h.out, ui.ColorRed+ui.IconCross+" Файл не найден:"+ui.ColorReset+" %s\n", path)
		return
	}
	h.pending = append(h.pending, engine.Attachment{Path: path, OriginalName: filepath.Base(path)})
	fmt.Fprintf(h.out, ui.ColorGreen+ui.IconImage+" Вложение добавлено (%d):"+ui.ColorReset+" %s\n", len(h.pending), filepath.Base(path))
}

// Attachments выводит вложения, ожидающие отправки
func (h *GenerationHandler) Attachments() {
	if len(h.pending) == 0 {
		fmt.Fprintln(h.out, ui.ColorGray+"Вложений нет"+ui.ColorReset)
		return
	}
	fmt.Fprintln(h.out, ui.ColorBold+ui.IconList+" Вложения:"+ui.ColorReset)
	for i, a := range h.pending {
		fmt.Fprintf(h.out, "  %d. %s\n", i+1, a.Path)
	}
}

// Detach очищает список вложений
func (h *GenerationHandler) Detach() {
	h.pending = nil
	fmt.Fprintln(h.out, ui.ColorGray+"Вложения очищены"+ui.ColorReset)
}

// Submit ставит запрос в очередь и ждёт результата
func (h *GenerationHandler) Submit(ctx context.Context, prompt string) {
	job, err := h.jobs.Enqueue(ctx, prompt, h.pending)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			fmt.Fprintf(h.out, ui.ColorRed+ui.IconCross+" %s"+ui.ColorReset+"\n", engine.UserMessage(err))
			return
		}
		h.log.Error("Ошибка постановки задания", zap.Error(err))
		fmt.Fprintf(h.out, ui.ColorRed+ui.IconCross+" Ошибка:"+ui.ColorReset+" %v\n", err)
		return
	}
	h.pending = nil

	fmt.Fprintf(h.out, ui.ColorCyan+ui.IconPlay+" Задание %s поставлено в очередь, ожидаем результат..."+ui.ColorReset+"\n", job.ID)

	done, err := h.jobs.Wait(ctx, job.ID)
	if err != nil {
		fmt.Fprintf(h.out, ui.ColorYellow+ui.IconClock+" Ожидание прервано, проверьте позже: job %s"+ui.ColorReset+"\n", job.ID)
		return
	}
	h.printResult(done)
}

// List выводит последние задания
func (h *GenerationHandler) List(ctx context.Context) {
	list, err := h.jobs.List(ctx, 20, 0)
	if err != nil {
		h.log.Error("Ошибка чтения заданий", zap.Error(err))
		fmt.Fprintln(h.out, ui.ColorRed+ui.IconCross+" Ошибка чтения заданий"+ui.ColorReset)
		return
	}
	if len(list) == 0 {
		fmt.Fprintln(h.out, ui.ColorGray+"Заданий пока нет"+ui.ColorReset)
		return
	}
	fmt.Fprintln(h.out, "\n"+ui.ColorBold+ui.IconList+" Задания:"+ui.ColorReset)
	fmt.Fprintln(h.out)
	for _, j := range list {
		icon, color, text := ui.FormatStatus(j.Status)
		fmt.Fprintf(h.out, "  "+ui.ColorBold+"%s"+ui.ColorReset+" %s%s %s"+ui.ColorReset+"\n", j.ID, color, icon, text)
		fmt.Fprintf(h.out, "  "+ui.ColorGray+"└─"+ui.ColorReset+" %s\n", ui.Truncate(j.Prompt, 80))
		fmt.Fprintln(h.out)
	}
}

// Status показывает детали задания
func (h *GenerationHandler) Status(ctx context.Context, id string) {
	job, err := h.jobs.Get(ctx, id)
	if err != nil {
		fmt.Fprintln(h.out, ui.ColorRed+ui.IconCross+" Задание не найдено"+ui.ColorReset)
		return
	}
	h.printResult(job)
}

func (h *GenerationHandler) printResult(job *database.GenerationJob) {
	icon, color, text := ui.FormatStatus(job.Status)

	fmt.Fprintf(h.out, "\n"+ui.ColorBold+"=== Задание %s ==="+ui.ColorReset+" %s%s %s"+ui.ColorReset+"\n", job.ID, color, icon, text)
	fmt.Fprintf(h.out, ui.ColorCyan+ui.IconDocument+" Запрос:"+ui.ColorReset+" %s\n", job.Prompt)
	if job.AttachmentCount > 0 {
		fmt.Fprintf(h.out, ui.ColorCyan+ui.IconList+" Вложений:"+ui.ColorReset+" %d\n", job.AttachmentCount)
	}
	fmt.Fprintf(h.out, ui.ColorCyan+ui.IconTime+" Создано:"+ui.ColorReset+" %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil && job.FinishedAt != nil {
		fmt.Fprintf(h.out, ui.ColorCyan+ui.IconClock+" Длительность:"+ui.ColorReset+" %s\n", job.FinishedAt.Sub(*job.StartedAt).Round(time.Second))
	}

	switch job.Status {
	case database.JobCompleted:
		fmt.Fprintf(h.out, ui.ColorGreen+ui.IconCheckmark+" Результат:"+ui.ColorReset+" %s (%s)\n", job.ArtifactPath, job.ArtifactMime)
	case database.JobFailed:
		fmt.Fprintf(h.out, ui.ColorRed+ui.IconCross+" %s"+ui.ColorReset+"\n", job.ErrorMessage)
		if job.ErrorDetail != "" {
			fmt.Fprintf(h.out, "  "+ui.ColorGray+"%s: %s"+ui.ColorReset+"\n", job.ErrorKind, job.ErrorDetail)
		}
	}
	fmt.Fprintln(h.out)
}
