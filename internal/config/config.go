package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Cfg struct {
	App        App
	Database   Database
	Logger     Logger
	OpenAI     OpenAI
	Browser    Browser
	Target     Target
	Session    Session
	Timing     Timing
	Migrations Migrations
}

type App struct {
	Mode      string
	Host      string
	Port      string
	OutputDir string
}

type Database struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

type Migrations struct {
	Path string
}

type Logger struct {
	Env   string
	Level string
}

type OpenAI struct {
	KeyAI     string
	Model     string
	MaxTokens int
}

type Browser struct {
	Display      string
	Headless     bool
	UserDataDir  string
	BrowsersPath string
	DebugDir     string
}

// Target - учётные данные и адреса сервиса, которым управляем через UI.
type Target struct {
	URL          string
	LoginURL     string
	Email        string
	Password     string
	SessionToken string
	CookieFile   string
}

type Session struct {
	MaxAttempts    int
	Backoff        time.Duration
	IdleTimeout    time.Duration
	MaxAttachments int
	QueueSize      int

	// Сбоев сессии подряд до паузы и длительность паузы
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Timing - эмпирические значения ожиданий. Это дефолты, а не контракт.
type Timing struct {
	ChallengeTimeout  time.Duration
	ChallengeInterval time.Duration
	Warmup            time.Duration
	PollInterval      time.Duration
	PollTimeout       time.Duration
}

func Load() (*Cfg, error) {
	_ = godotenv.Load()

	cfg := &Cfg{
		App: App{
			Mode:      env("APP_MODE", "cli"),
			Host:      env("APP_HOST", "127.0.0.1"),
			Port:      env("APP_PORT", "8080"),
			OutputDir: env("OUTPUT_DIR", "./artifacts"),
		},
		Database: Database{
			Host:     os.Getenv("DB_HOST"),
			Port:     env("DB_PORT", "5432"),
			Name:     os.Getenv("DB_NAME"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASS"),
			SSLMode:  env("DB_SSLMODE", "disable"),
		},
		Logger: Logger{
			Env:   env("ENV", "dev"),
			Level: env("LOG_LEVEL", "info"),
		},
		OpenAI: OpenAI{
			KeyAI:     os.Getenv("OPENAI_API_KEY"),
			Model:     env("OPENAI_MODEL", "gpt-4o-mini"),
			MaxTokens: envInt("OPENAI_MAX_TOKENS", 500),
		},
		Browser: Browser{
			Display:      env("DISPLAY", ""),
			Headless:     envBool("PW_HEADLESS"),
			UserDataDir:  env("PW_USER_DATA_DIR", ""),
			BrowsersPath: env("PLAYWRIGHT_BROWSERS_PATH", ""),
			DebugDir:     env("DEBUG_DIR", "./debug"),
		},
		Target: Target{
			URL:          env("TARGET_URL", "https://chatgpt.com/"),
			LoginURL:     os.Getenv("TARGET_LOGIN_URL"),
			Email:        os.Getenv("TARGET_EMAIL"),
			Password:     os.Getenv("TARGET_PASSWORD"),
			SessionToken: os.Getenv("TARGET_SESSION_TOKEN"),
			CookieFile:   os.Getenv("COOKIE_FILE"),
		},
		Session: Session{
			MaxAttempts:    envInt("SESSION_MAX_ATTEMPTS", 3),
			Backoff:        envDuration("SESSION_BACKOFF", 5*time.Second),
			IdleTimeout:    envDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute),
			MaxAttachments: envInt("MAX_ATTACHMENTS", 4),
			QueueSize:      envInt("JOB_QUEUE_SIZE", 16),

			BreakerFailures: envInt("SESSION_BREAKER_FAILURES", 3),
			BreakerCooldown: envDuration("SESSION_BREAKER_COOLDOWN", 2*time.Minute),
		},
		Timing: Timing{
			ChallengeTimeout:  envDuration("CHALLENGE_TIMEOUT", 30*time.Second),
			ChallengeInterval: envDuration("CHALLENGE_INTERVAL", 2*time.Second),
			Warmup:            envDuration("GENERATION_WARMUP", 45*time.Second),
			PollInterval:      envDuration("POLL_INTERVAL", 5*time.Second),
			PollTimeout:       envDuration("POLL_TIMEOUT", 4*time.Minute),
		},
		Migrations: Migrations{
			Path: env("MIGRATIONS_PATH", "file://migrations"),
		},
	}

	return cfg, nil
}

// Enabled - база настроена; без неё задания хранятся в памяти процесса.
func (d Database) Enabled() bool {
	return d.Host != "" && d.Name != ""
}

// DSN - строка подключения для gorm/pgx.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// URL - та же база в виде адреса для golang-migrate.
func (d Database) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

// HasCredentials сообщает, можно ли пройти автоматический логин.
func (t Target) HasCredentials() bool {
	return t.Email != "" && t.Password != ""
}

func env(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1" || v == "yes"
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
