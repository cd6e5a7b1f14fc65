package engine

import (
	"context"

	"renderBridge/internal/browser"
	"renderBridge/internal/credentials"

	"go.uber.org/zap"
)

// resilientDriver повторяет каждый примитив драйвера ровно один раз, если
// первая попытка упала с транзиентной ошибкой (отцепленный фрейм, обрыв протокола).
// Повторная ошибка возвращается как есть.
type resilientDriver struct {
	browser.Driver
	log *zap.Logger
}

func withTransientRetry(d browser.Driver, log *zap.Logger) browser.Driver {
	if _, ok := d.(*resilientDriver); ok {
		return d
	}
	return &resilientDriver{Driver: d, log: log}
}

func retryOnce[T any](r *resilientDriver, op string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || !IsTransient(err) {
		return v, err
	}
	r.log.Warn("Транзиентная ошибка драйвера, повторяем операцию", zap.String("op", op), zap.Error(err))
	return fn()
}

func retryOnceErr(r *resilientDriver, op string, fn func() error) error {
	_, err := retryOnce(r, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *resilientDriver) Navigate(ctx context.Context, url string) error {
	return retryOnceErr(r, "navigate", func() error { return r.Driver.Navigate(ctx, url) })
}

func (r *resilientDriver) Reload(ctx context.Context) error {
	return retryOnceErr(r, "reload", func() error { return r.Driver.Reload(ctx) })
}

func (r *resilientDriver) Title(ctx context.Context) (string, error) {
	return retryOnce(r, "title", func() (string, error) { return r.Driver.Title(ctx) })
}

func (r *resilientDriver) Content(ctx context.Context) (string, error) {
	return retryOnce(r, "content", func() (string, error) { return r.Driver.Content(ctx) })
}

func (r *resilientDriver) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	return retryOnce(r, "evaluate", func() (any, error) { return r.Driver.Evaluate(ctx, script, arg) })
}

func (r *resilientDriver) Count(ctx context.Context, selector string) (int, error) {
	return retryOnce(r, "count", func() (int, error) { return r.Driver.Count(ctx, selector) })
}

func (r *resilientDriver) Texts(ctx context.Context, selector string) ([]string, error) {
	return retryOnce(r, "texts", func() ([]string, error) { return r.Driver.Texts(ctx, selector) })
}

func (r *resilientDriver) Attributes(ctx context.Context, selector, name string) ([]string, error) {
	return retryOnce(r, "attributes", func() ([]string, error) { return r.Driver.Attributes(ctx, selector, name) })
}

func (r *resilientDriver) IsEnabled(ctx context.Context, selector string) (bool, error) {
	return retryOnce(r, "is_enabled", func() (bool, error) { return r.Driver.IsEnabled(ctx, selector) })
}

func (r *resilientDriver) Click(ctx context.Context, selector string) error {
	return retryOnceErr(r, "click", func() error { return r.Driver.Click(ctx, selector) })
}

func (r *resilientDriver) Type(ctx context.Context, selector, text string) error {
	return retryOnceErr(r, "type", func() error { return r.Driver.Type(ctx, selector, text) })
}

func (r *resilientDriver) Press(ctx context.Context, selector, key string) error {
	return retryOnceErr(r, "press", func() error { return r.Driver.Press(ctx, selector, key) })
}

func (r *resilientDriver) Upload(ctx context.Context, selector string, files ...browser.File) error {
	return retryOnceErr(r, "upload", func() error { return r.Driver.Upload(ctx, selector, files...) })
}

func (r *resilientDriver) ScrollIntoView(ctx context.Context, selector string) error {
	return retryOnceErr(r, "scroll", func() error { return r.Driver.ScrollIntoView(ctx, selector) })
}

func (r *resilientDriver) Cookies(ctx context.Context) ([]credentials.Cookie, error) {
	return retryOnce(r, "cookies", func() ([]credentials.Cookie, error) { return r.Driver.Cookies(ctx) })
}

func (r *resilientDriver) SetCookies(ctx context.Context, cookies []credentials.Cookie) error {
	return retryOnceErr(r, "set_cookies", func() error { return r.Driver.SetCookies(ctx, cookies) })
}
