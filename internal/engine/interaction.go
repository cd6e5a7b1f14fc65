package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"renderBridge/internal/browser"

	"go.uber.org/zap"
)

// InteractionTimings - ожидания отдельных шагов отправки.
type InteractionTimings struct {
	Ready         Wait
	FileInput     Wait
	Preview       Wait
	PreviewGrace  time.Duration
	SubmitEnabled Wait
	Acceptance    Wait
}

// InteractionProtocol выполняет последовательность «вложения → текст → отправка → подтверждение».
// Каждый шаг должен подтвердиться, прежде чем начнётся следующий.
type InteractionProtocol struct {
	target  Target
	timings InteractionTimings
	clock   Clock
	log     *zap.Logger
}

func NewInteractionProtocol(target Target, timings InteractionTimings, clock Clock, log *zap.Logger) *InteractionProtocol {
	if clock == nil {
		clock = realClock{}
	}
	return &InteractionProtocol{target: target, timings: timings, clock: clock, log: log}
}

// Send отправляет запрос в открытый чат и возвращается, когда сервис его принял.
func (p *InteractionProtocol) Send(ctx context.Context, d browser.Driver, req PromptRequest) error {
	if _, err := p.awaitReady(ctx, d); err != nil {
		return err
	}

	baseline, err := d.Count(ctx, p.target.UserMessage)
	if err != nil {
		baseline = 0
	}

	for i, att := range req.Attachments {
		if err := p.upload(ctx, d, i, att); err != nil {
			return err
		}
	}

	input, err := p.enterPrompt(ctx, d, req.Text)
	if err != nil {
		return err
	}

	if err := p.submit(ctx, d, input); err != nil {
		return err
	}

	return p.confirm(ctx, d, req.Text, baseline)
}

// awaitReady ждёт любой из признаков открытого чата.
func (p *InteractionProtocol) awaitReady(ctx context.Context, d browser.Driver) (Probe, error) {
	var hit Probe
	err := pollUntil(ctx, p.clock, p.timings.Ready, func(ctx context.Context) (bool, error) {
		probe, ok, err := p.target.ChatReady.First(ctx, d)
		if err != nil {
			return false, ctx.Err()
		}
		hit = probe
		return ok, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return Probe{}, newError(KindNavigation, "readiness", "интерфейс чата не найден", nil)
	}
	if err != nil {
		return Probe{}, err
	}
	p.log.Debug("Интерфейс чата готов", zap.String("probe", hit.Name))
	return hit, nil
}

func (p *InteractionProtocol) upload(ctx context.Context, d browser.Driver, index int, att Attachment) error {
	step := fmt.Sprintf("upload[%d]", index)

	file, err := att.file()
	if err != nil {
		return newError(KindUpload, step, "вложение не прочитано", err)
	}

	before := p.target.AttachmentPreview.CountAll(ctx, d)

	input, err := p.fileInput(ctx, d)
	if err != nil {
		return newError(KindUpload, step, "поле загрузки файла не найдено", err)
	}

	if err := d.Upload(ctx, input.Selector, file); err != nil {
		return newError(KindUpload, step, "файл "+file.Name+" не загружен", err)
	}

	err = pollUntil(ctx, p.clock, p.timings.Preview, func(ctx context.Context) (bool, error) {
		return p.target.AttachmentPreview.CountAll(ctx, d) > before, ctx.Err()
	})
	switch {
	case errors.Is(err, errWaitTimeout):
		// Отсутствие превью ещё не означает провал загрузки
		p.log.Warn("Превью вложения не появилось, продолжаем после паузы",
			zap.String("file", file.Name), zap.Duration("grace", p.timings.PreviewGrace))
		if err := p.clock.Sleep(ctx, p.timings.PreviewGrace); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	p.log.Info("Вложение загружено",
		zap.Int("index", index),
		zap.String("file", file.Name),
		zap.String("category", string(att.Category())),
		zap.String("probe", input.Name),
	)
	return nil
}

// fileInput находит поле выбора файла, при необходимости открыв его через кнопку вложений.
func (p *InteractionProtocol) fileInput(ctx context.Context, d browser.Driver) (Probe, error) {
	if probe, ok, err := p.target.FileInput.First(ctx, d); err == nil && ok {
		return probe, nil
	}

	button, ok, err := p.target.AttachButton.First(ctx, d)
	if err != nil {
		return Probe{}, err
	}
	if !ok {
		return Probe{}, errors.New("нет ни поля файла, ни кнопки вложений")
	}
	if err := d.Click(ctx, button.Selector); err != nil {
		return Probe{}, err
	}

	var found Probe
	err = pollUntil(ctx, p.clock, p.timings.FileInput, func(ctx context.Context) (bool, error) {
		probe, ok, _ := p.target.FileInput.First(ctx, d)
		found = probe
		return ok, ctx.Err()
	})
	if err != nil {
		return Probe{}, err
	}
	return found, nil
}

// enterPrompt очищает поле ввода и печатает текст. Пустым поле не считается никогда.
func (p *InteractionProtocol) enterPrompt(ctx context.Context, d browser.Driver, text string) (Probe, error) {
	input, ok, err := p.target.PromptInput.First(ctx, d)
	if err != nil {
		return Probe{}, newError(KindSubmit, "prompt", "поле ввода недоступно", err)
	}
	if !ok {
		return Probe{}, newError(KindSubmit, "prompt", "поле ввода не найдено", nil)
	}

	if err := d.Click(ctx, input.Selector); err != nil {
		return Probe{}, newError(KindSubmit, "prompt", "не удалось сфокусировать поле ввода", err)
	}
	for _, key := range []string{"ControlOrMeta+a", "Backspace"} {
		if err := d.Press(ctx, input.Selector, key); err != nil {
			return Probe{}, newError(KindSubmit, "prompt", "не удалось очистить поле ввода", err)
		}
	}
	if err := d.Type(ctx, input.Selector, text); err != nil {
		return Probe{}, newError(KindSubmit, "prompt", "не удалось ввести текст", err)
	}
	return input, nil
}

// submit дожидается активной кнопки отправки; без кнопки отправляет Enter.
func (p *InteractionProtocol) submit(ctx context.Context, d browser.Driver, input Probe) error {
	button, ok, _ := p.target.SubmitButton.First(ctx, d)
	if !ok {
		p.log.Warn("Кнопка отправки не найдена, отправляем Enter", zap.String("probe", input.Name))
		if err := d.Press(ctx, input.Selector, "Enter"); err != nil {
			return newError(KindSubmit, "submit", "не удалось нажать Enter", err)
		}
		return nil
	}

	err := pollUntil(ctx, p.clock, p.timings.SubmitEnabled, func(ctx context.Context) (bool, error) {
		enabled, err := d.IsEnabled(ctx, button.Selector)
		if err != nil {
			return false, ctx.Err()
		}
		return enabled, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return newError(KindSubmit, "submit", "кнопка отправки так и не стала активной", nil)
	}
	if err != nil {
		return err
	}

	if err := d.Click(ctx, button.Selector); err != nil {
		return newError(KindSubmit, "submit", "не удалось нажать кнопку отправки", err)
	}
	p.log.Debug("Запрос отправлен", zap.String("probe", button.Name))
	return nil
}

// confirm ищет в переписке новое сообщение пользователя с отправленным текстом.
func (p *InteractionProtocol) confirm(ctx context.Context, d browser.Driver, text string, baseline int) error {
	want := normalizeText(text)

	err := pollUntil(ctx, p.clock, p.timings.Acceptance, func(ctx context.Context) (bool, error) {
		texts, err := d.Texts(ctx, p.target.UserMessage)
		if err != nil {
			return false, ctx.Err()
		}
		for i := baseline; i < len(texts); i++ {
			if strings.Contains(normalizeText(texts[i]), want) {
				return true, nil
			}
		}
		return false, nil
	})
	if err == nil {
		p.log.Info("Сервис принял запрос")
		return nil
	}
	if !errors.Is(err, errWaitTimeout) {
		return err
	}

	// Сервис мог обрезать или переформатировать текст: достаточно нового сообщения
	if n, cerr := d.Count(ctx, p.target.UserMessage); cerr == nil && n > baseline {
		p.log.Warn("Текст запроса не найден дословно, но сообщение появилось",
			zap.Int("messages", n), zap.Int("baseline", baseline))
		return nil
	}
	return newError(KindSubmit, "confirm", "сообщение не появилось в переписке", nil)
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
