package engine

import (
	"context"
	"errors"
	"time"
)

// Clock отделяет ожидания от реального времени, чтобы их можно было подменить в тестах.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errWaitTimeout - предикат так и не выполнился за отведённое время.
var errWaitTimeout = errors.New("время ожидания истекло")

// Wait - единственное место, где живут интервалы и таймауты ожиданий.
type Wait struct {
	Interval time.Duration
	Timeout  time.Duration
}

// pollUntil проверяет check сразу и затем каждые w.Interval, пока не истечёт w.Timeout.
// Ошибка check прерывает ожидание; по таймауту возвращается errWaitTimeout.
func pollUntil(ctx context.Context, clock Clock, w Wait, check func(ctx context.Context) (bool, error)) error {
	if w.Interval <= 0 {
		w.Interval = 500 * time.Millisecond
	}
	deadline := clock.Now().Add(w.Timeout)
	for {
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !clock.Now().Before(deadline) {
			return errWaitTimeout
		}

		sleep := w.Interval
		if remaining := deadline.Sub(clock.Now()); remaining < sleep {
			sleep = remaining
		}
		if err := clock.Sleep(ctx, sleep); err != nil {
			return err
		}
	}
}
