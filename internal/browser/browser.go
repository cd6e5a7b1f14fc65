package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"renderBridge/internal/credentials"

	"github.com/playwright-community/playwright-go"
)

var _ Driver = (*PlaywrightBrowser)(nil)

func New(cfg Config) *PlaywrightBrowser {
	// Установка дефолтных таймаутов
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.NavigateTimeout == 0 {
		cfg.NavigateTimeout = 60 * time.Second // Navigate обычно дольше
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = 10 * time.Second // Click/Type обычно быстрые
	}
	if cfg.Engine == "" {
		cfg.Engine = "firefox"
	}

	return &PlaywrightBrowser{
		cfg: cfg,
	}
}

func (b *PlaywrightBrowser) SetPopupDetector(detector PopupDetector) {
	b.popupDetector = detector
}

// getPage безопасно возвращает текущую страницу с read lock
func (b *PlaywrightBrowser) getPage() (playwright.Page, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.page == nil {
		return nil, ErrNotLaunched
	}
	return b.page, nil
}

// setPage безопасно устанавливает страницу с write lock
func (b *PlaywrightBrowser) setPage(page playwright.Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.page = page
}

func (b *PlaywrightBrowser) getBrowserArgs() []string {
	if b.cfg.Engine != "chromium" {
		return nil
	}
	return []string{
		"--no-sandbox",
		"--disable-blink-features=AutomationControlled",
	}
}

func (b *PlaywrightBrowser) getEnvMap() map[string]string {
	if b.cfg.Display != "" {
		return map[string]string{
			"DISPLAY": b.cfg.Display,
		}
	}
	return nil
}

func (b *PlaywrightBrowser) browserType(pw *playwright.Playwright) playwright.BrowserType {
	if b.cfg.Engine == "chromium" {
		return pw.Chromium
	}
	return pw.Firefox
}

func (b *PlaywrightBrowser) launchPersistent(pw *playwright.Playwright) error {
	opts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(b.cfg.Headless),
		Args:     b.getBrowserArgs(),
	}
	if env := b.getEnvMap(); env != nil {
		opts.Env = env
	}
	if b.cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(b.cfg.UserAgent)
	}
	if b.cfg.Locale != "" {
		opts.Locale = playwright.String(b.cfg.Locale)
	}

	browserContext, err := b.browserType(pw).LaunchPersistentContext(b.cfg.UserDataDir, opts)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.context = browserContext
	b.mu.Unlock()

	pages := browserContext.Pages()
	var page playwright.Page
	if len(pages) == 0 {
		page, err = browserContext.NewPage()
		if err != nil {
			return err
		}
	} else {
		page = pages[0]
	}

	b.setPage(page)
	page.SetDefaultTimeout(float64(b.cfg.Timeout.Milliseconds()))
	return nil
}

func (b *PlaywrightBrowser) launchStandard(pw *playwright.Playwright) error {
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(b.cfg.Headless),
		Args:     b.getBrowserArgs(),
	}
	if env := b.getEnvMap(); env != nil {
		opts.Env = env
	}

	browser, err := b.browserType(pw).Launch(opts)
	if err != nil {
		return err
	}

	ctxOpts := playwright.BrowserNewContextOptions{}
	if b.cfg.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(b.cfg.UserAgent)
	}
	if b.cfg.Locale != "" {
		ctxOpts.Locale = playwright.String(b.cfg.Locale)
	}
	browserContext, err := browser.NewContext(ctxOpts)
	if err != nil {
		_ = browser.Close()
		return err
	}

	b.mu.Lock()
	b.browser = browser
	b.context = browserContext
	b.mu.Unlock()

	page, err := browserContext.NewPage()
	if err != nil {
		return err
	}

	b.setPage(page)
	page.SetDefaultTimeout(float64(b.cfg.Timeout.Milliseconds()))
	return nil
}

func (b *PlaywrightBrowser) Launch(ctx context.Context) error {
	if b.cfg.BrowsersPath != "" {
		_ = os.Setenv("PLAYWRIGHT_BROWSERS_PATH", b.cfg.BrowsersPath)
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("ошибка запуска playwright: %w", err)
	}
	b.mu.Lock()
	b.pw = pw
	b.mu.Unlock()

	if b.cfg.UserDataDir != "" {
		err = b.launchPersistent(pw)
	} else {
		err = b.launchStandard(pw)
	}
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("ошибка запуска браузера %s: %w", b.cfg.Engine, err)
	}
	return nil
}

func (b *PlaywrightBrowser) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.page == nil || b.page.IsClosed() {
		return false
	}
	if b.browser != nil {
		return b.browser.IsConnected()
	}
	return true
}

func (b *PlaywrightBrowser) Navigate(ctx context.Context, url string) error {
	page, err := b.getPage()
	if err != nil {
		return err
	}

	return run(ctx, b.cfg.NavigateTimeout, "navigate", func() error {
		_, err := page.Goto(url, playwright.PageGotoOptions{
			// networkidle не наступает у SPA с постоянными соединениями
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.cfg.NavigateTimeout.Milliseconds())),
		})
		return err
	})
}

func (b *PlaywrightBrowser) Reload(ctx context.Context) error {
	page, err := b.getPage()
	if err != nil {
		return err
	}

	return run(ctx, b.cfg.NavigateTimeout, "reload", func() error {
		_, err := page.Reload(playwright.PageReloadOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.cfg.NavigateTimeout.Milliseconds())),
		})
		return err
	})
}

func (b *PlaywrightBrowser) URL() string {
	page, err := b.getPage()
	if err != nil {
		return ""
	}
	return page.URL()
}

func (b *PlaywrightBrowser) Title(ctx context.Context) (string, error) {
	page, err := b.getPage()
	if err != nil {
		return "", err
	}
	return page.Title()
}

func (b *PlaywrightBrowser) Content(ctx context.Context) (string, error) {
	page, err := b.getPage()
	if err != nil {
		return "", err
	}
	return page.Content()
}

func (b *PlaywrightBrowser) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	page, err := b.getPage()
	if err != nil {
		return nil, err
	}
	if arg == nil {
		return page.Evaluate(script)
	}
	return page.Evaluate(script, arg)
}

func (b *PlaywrightBrowser) Count(ctx context.Context, selector string) (int, error) {
	loc, err := b.locator(selector)
	if err != nil {
		return 0, err
	}
	return loc.Count()
}

func (b *PlaywrightBrowser) Texts(ctx context.Context, selector string) ([]string, error) {
	loc, err := b.locator(selector)
	if err != nil {
		return nil, err
	}
	return loc.AllInnerTexts()
}

func (b *PlaywrightBrowser) Attributes(ctx context.Context, selector, name string) ([]string, error) {
	loc, err := b.locator(selector)
	if err != nil {
		return nil, err
	}

	// Свойство DOM (например, img.src) уже абсолютное, атрибут - нет
	result, err := loc.EvaluateAll(`(els, name) => els.map(e =>
		(typeof e[name] === 'string' && e[name]) ? e[name] : (e.getAttribute(name) || ''))`, name)
	if err != nil {
		return nil, err
	}

	items, ok := result.([]interface{})
	if !ok {
		return nil, nil
	}
	values := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			values = append(values, s)
		}
	}
	return values, nil
}

func (b *PlaywrightBrowser) IsEnabled(ctx context.Context, selector string) (bool, error) {
	loc, err := b.locator(selector)
	if err != nil {
		return false, err
	}

	result, err := loc.First().Evaluate(`el => !el.disabled && el.getAttribute('aria-disabled') !== 'true'`, nil)
	if err != nil {
		return false, err
	}
	enabled, _ := result.(bool)
	return enabled, nil
}

func (b *PlaywrightBrowser) Click(ctx context.Context, selector string) error {
	loc, err := b.locator(selector)
	if err != nil {
		return err
	}

	if err := b.ClosePopups(ctx); err != nil {
		return fmt.Errorf("ошибка закрытия попапов перед кликом: %w", err)
	}

	// Click сам прокручивает элемент в видимую область
	return run(ctx, b.cfg.ActionTimeout, "click", func() error {
		return loc.First().Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(float64(b.cfg.ActionTimeout.Milliseconds())),
		})
	})
}

// Type печатает текст посимвольно: contenteditable-редакторы не видят Fill.
func (b *PlaywrightBrowser) Type(ctx context.Context, selector, text string) error {
	loc, err := b.locator(selector)
	if err != nil {
		return err
	}

	timeout := b.cfg.ActionTimeout + time.Duration(len(text))*20*time.Millisecond
	return run(ctx, timeout, "type", func() error {
		return loc.First().PressSequentially(text, playwright.LocatorPressSequentiallyOptions{
			Delay:   playwright.Float(5),
			Timeout: playwright.Float(float64(timeout.Milliseconds())),
		})
	})
}

func (b *PlaywrightBrowser) Press(ctx context.Context, selector, key string) error {
	loc, err := b.locator(selector)
	if err != nil {
		return err
	}

	return run(ctx, b.cfg.ActionTimeout, "press", func() error {
		return loc.First().Press(key, playwright.LocatorPressOptions{
			Timeout: playwright.Float(float64(b.cfg.ActionTimeout.Milliseconds())),
		})
	})
}

func (b *PlaywrightBrowser) Upload(ctx context.Context, selector string, files ...File) error {
	loc, err := b.locator(selector)
	if err != nil {
		return err
	}

	input := make([]playwright.InputFile, 0, len(files))
	for _, f := range files {
		input = append(input, playwright.InputFile{
			Name:     f.Name,
			MimeType: f.MimeType,
			Buffer:   f.Data,
		})
	}

	return run(ctx, b.cfg.Timeout, "upload", func() error {
		return loc.First().SetInputFiles(input, playwright.LocatorSetInputFilesOptions{
			Timeout: playwright.Float(float64(b.cfg.Timeout.Milliseconds())),
		})
	})
}

func (b *PlaywrightBrowser) Screenshot(ctx context.Context, path string) error {
	page, err := b.getPage()
	if err != nil {
		return err
	}

	_, err = page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	return err
}

func (b *PlaywrightBrowser) Cookies(ctx context.Context) ([]credentials.Cookie, error) {
	b.mu.RLock()
	browserContext := b.context
	b.mu.RUnlock()
	if browserContext == nil {
		return nil, ErrNotLaunched
	}

	raw, err := browserContext.Cookies()
	if err != nil {
		return nil, err
	}

	cookies := make([]credentials.Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := credentials.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (b *PlaywrightBrowser) SetCookies(ctx context.Context, cookies []credentials.Cookie) error {
	b.mu.RLock()
	browserContext := b.context
	b.mu.RUnlock()
	if browserContext == nil {
		return ErrNotLaunched
	}
	if len(cookies) == 0 {
		return nil
	}

	optional := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
			SameSite: sameSite(c.SameSite),
		}
		if !c.SessionScoped() {
			oc.Expires = playwright.Float(c.Expires)
		}
		optional = append(optional, oc)
	}

	return browserContext.AddCookies(optional)
}

func (b *PlaywrightBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.context != nil {
		if err := b.context.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, err)
		}
	}
	if b.browser != nil {
		if err := b.browser.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, err)
		}
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	b.page = nil
	b.context = nil
	b.browser = nil
	b.pw = nil

	return errors.Join(errs...)
}

func (b *PlaywrightBrowser) locator(selector string) (playwright.Locator, error) {
	page, err := b.getPage()
	if err != nil {
		return nil, err
	}

	// Валидируем селектор (проверяем, что это не URL)
	if err := ValidateSelector(selector); err != nil {
		return nil, fmt.Errorf("невалидный селектор: %w", err)
	}

	selector, _ = NormalizeSelector(selector)
	return page.Locator(selector), nil
}

func sameSite(value string) *playwright.SameSiteAttribute {
	switch strings.ToLower(value) {
	case "strict":
		return playwright.SameSiteAttributeStrict
	case "none", "no_restriction":
		return playwright.SameSiteAttributeNone
	case "lax":
		return playwright.SameSiteAttributeLax
	default:
		return nil
	}
}

func isClosedError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") || strings.Contains(msg, "disconnected")
}
