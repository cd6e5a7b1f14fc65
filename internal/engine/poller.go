package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"renderBridge/internal/browser"

	"go.uber.org/zap"
)

type PollerTimings struct {
	Warmup time.Duration
	Poll   Wait
}

// ResultPoller дожидается изображения, созданного в ответ на отправленный запрос.
// Скачивание остаётся за Downloader.
type ResultPoller struct {
	target  Target
	timings PollerTimings
	clock   Clock
	log     *zap.Logger
}

func NewResultPoller(target Target, timings PollerTimings, clock Clock, log *zap.Logger) *ResultPoller {
	if clock == nil {
		clock = realClock{}
	}
	return &ResultPoller{target: target, timings: timings, clock: clock, log: log}
}

// Baseline запоминает изображения, которые уже есть на странице до отправки.
func (p *ResultPoller) Baseline(ctx context.Context, d browser.Driver) map[string]struct{} {
	seen := make(map[string]struct{})
	srcs, err := d.Attributes(ctx, p.target.DocumentImage, "src")
	if err != nil {
		p.log.Debug("Не удалось снять базовый список изображений", zap.Error(err))
		return seen
	}
	for _, src := range srcs {
		seen[src] = struct{}{}
	}
	return seen
}

// Await возвращает адрес нового изображения из ответа ассистента или ErrPollTimeout.
func (p *ResultPoller) Await(ctx context.Context, d browser.Driver, baseline map[string]struct{}) (string, error) {
	p.log.Info("Ожидаем генерацию", zap.Duration("warmup", p.timings.Warmup))
	if err := p.clock.Sleep(ctx, p.timings.Warmup); err != nil {
		return "", err
	}

	var found string
	polls := 0
	err := pollUntil(ctx, p.clock, p.timings.Poll, func(ctx context.Context) (bool, error) {
		polls++
		if err := d.ScrollIntoView(ctx, p.target.AssistantTurn); err != nil {
			p.log.Debug("Прокрутка к ответу не удалась", zap.Error(err))
		}
		srcs, err := d.Attributes(ctx, p.target.AssistantImage, "src")
		if err != nil {
			return false, ctx.Err()
		}
		found = newest(srcs, baseline, fetchableSrc)
		return found != "", nil
	})
	if err == nil {
		p.log.Info("Изображение найдено в ответе", zap.Int("polls", polls))
		return found, nil
	}
	if !errors.Is(err, errWaitTimeout) {
		return "", err
	}

	srcs, ferr := d.Attributes(ctx, p.target.DocumentImage, "src")
	if ferr == nil {
		if src := newest(srcs, baseline, p.target.IsArtifactURL); src != "" {
			p.log.Warn("Структурный поиск не сработал, изображение найдено общим сканированием",
				zap.Int("polls", polls))
			return src, nil
		}
	}

	return "", newError(KindPollTimeout, "poll", "изображение не появилось", ferr)
}

// newest - последний по порядку документа адрес, которого не было до отправки.
func newest(srcs []string, baseline map[string]struct{}, accept func(string) bool) string {
	for i := len(srcs) - 1; i >= 0; i-- {
		src := strings.TrimSpace(srcs[i])
		if src == "" {
			continue
		}
		if _, old := baseline[src]; old {
			continue
		}
		if accept(src) {
			return src
		}
	}
	return ""
}

func fetchableSrc(src string) bool {
	return strings.HasPrefix(src, "https://") ||
		strings.HasPrefix(src, "http://") ||
		strings.HasPrefix(src, "data:image/")
}
