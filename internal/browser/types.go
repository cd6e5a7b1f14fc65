package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"renderBridge/internal/credentials"

	"github.com/playwright-community/playwright-go"
)

var ErrNotLaunched = errors.New("браузер не запущен")

// Driver - набор примитивов над одной вкладкой браузера.
// Движок сессии работает только через этот интерфейс.
type Driver interface {
	Launch(ctx context.Context) error
	IsConnected() bool
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	URL() string
	Title(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, script string, arg any) (any, error)
	Count(ctx context.Context, selector string) (int, error)
	Texts(ctx context.Context, selector string) ([]string, error)
	Attributes(ctx context.Context, selector, name string) ([]string, error)
	IsEnabled(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector, key string) error
	Upload(ctx context.Context, selector string, files ...File) error
	ScrollIntoView(ctx context.Context, selector string) error
	Screenshot(ctx context.Context, path string) error
	Cookies(ctx context.Context) ([]credentials.Cookie, error)
	SetCookies(ctx context.Context, cookies []credentials.Cookie) error
	Close() error
}

// File - содержимое для загрузки через input[type=file].
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

type ElementInfo struct {
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	Selector string `json:"selector"`
	Role     string `json:"role,omitempty"`
	Label    string `json:"label,omitempty"`
}

type PlaywrightBrowser struct {
	mu            sync.RWMutex
	pw            *playwright.Playwright
	browser       playwright.Browser
	context       playwright.BrowserContext
	page          playwright.Page
	cfg           Config
	popupDetector PopupDetector
}

type Config struct {
	Engine          string // firefox | chromium
	Headless        bool
	UserDataDir     string
	BrowsersPath    string
	Display         string
	UserAgent       string
	Locale          string
	Timeout         time.Duration
	NavigateTimeout time.Duration
	ActionTimeout   time.Duration
}
