package engine

import (
	"context"
	"errors"
	"strings"

	"renderBridge/internal/browser"

	"go.uber.org/zap"
)

// scriptBodyText возвращает начало видимого текста страницы.
const scriptBodyText = `() => document.body ? (document.body.innerText || '').slice(0, 4000) : ''`

// Detection - результат одной проверки на bot-challenge.
type Detection struct {
	Challenged bool
	Reason     string
}

// ChallengeHandler определяет страницу-заглушку защиты от ботов и ждёт, пока она уйдёт.
// Это best effort: разметка заглушек меняется без предупреждения.
type ChallengeHandler struct {
	target Target
	wait   Wait
	clock  Clock
	diag   *Diagnostics
	log    *zap.Logger
}

func NewChallengeHandler(target Target, wait Wait, clock Clock, diag *Diagnostics, log *zap.Logger) *ChallengeHandler {
	if clock == nil {
		clock = realClock{}
	}
	return &ChallengeHandler{target: target, wait: wait, clock: clock, diag: diag, log: log}
}

// urlChallenged - первый сигнал: адрес похож на адрес заглушки.
func (h *ChallengeHandler) urlChallenged(rawURL string) (bool, string) {
	lower := strings.ToLower(rawURL)
	for _, marker := range h.target.ChallengeURLMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true, "url:" + marker
		}
	}
	return false, ""
}

// Detect объединяет два независимых сигнала: адрес и содержимое страницы.
// Любого из них достаточно.
func (h *ChallengeHandler) Detect(ctx context.Context, d browser.Driver) (Detection, error) {
	if ok, reason := h.urlChallenged(d.URL()); ok {
		return Detection{Challenged: true, Reason: reason}, nil
	}

	title, err := d.Title(ctx)
	if err != nil {
		return Detection{}, err
	}
	raw, err := d.Evaluate(ctx, scriptBodyText, nil)
	if err != nil {
		return Detection{}, err
	}
	body, _ := raw.(string)

	haystack := strings.ToLower(title + "\n" + body)
	for _, phrase := range h.target.ChallengePhrases {
		if strings.Contains(haystack, phrase) {
			return Detection{Challenged: true, Reason: "content:" + phrase}, nil
		}
	}

	if h.target.MinBodyText > 0 && len(strings.TrimSpace(body)) < h.target.MinBodyText {
		return Detection{Challenged: true, Reason: "content:short-body"}, nil
	}

	return Detection{}, nil
}

// WaitClear блокируется, пока оба сигнала не очистятся, или возвращает ErrChallengeTimeout.
// onChallenged вызывается на каждой проверке, которая всё ещё видит заглушку.
func (h *ChallengeHandler) WaitClear(ctx context.Context, d browser.Driver, onChallenged func(Detection)) error {
	first := true
	var last Detection

	err := pollUntil(ctx, h.clock, h.wait, func(ctx context.Context) (bool, error) {
		det, err := h.Detect(ctx, d)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// Страница могла перейти посреди проверки: довольствуемся чистым адресом
			challenged, reason := h.urlChallenged(d.URL())
			h.log.Debug("Проверка challenge не удалась, используем только адрес",
				zap.Bool("challenged", challenged), zap.Error(err))
			det = Detection{Challenged: challenged, Reason: reason}
		}

		if !det.Challenged {
			if !first {
				h.log.Info("Challenge пройден", zap.String("url", d.URL()))
			}
			return true, nil
		}

		last = det
		if first {
			h.log.Warn("Обнаружена страница проверки на бота",
				zap.String("reason", det.Reason), zap.String("url", d.URL()))
			h.diag.Dump(ctx, d, "challenge-entry")
			first = false
		}
		if onChallenged != nil {
			onChallenged(det)
		}
		return false, nil
	})

	if errors.Is(err, errWaitTimeout) {
		h.diag.Dump(ctx, d, "challenge-timeout")
		return newError(KindChallengeTimeout, "challenge", "проверка не пройдена: "+last.Reason, nil)
	}
	return err
}
