// Package credentials хранит cookie сессии между перезапусками процесса.
//
// Cookie читаются из первого найденного файла в списке путей, просроченные
// неважные cookie отбрасываются, а cookie из белого списка (авторизация,
// сессия, прохождение bot-challenge) сохраняются всегда.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Cookie - cookie в формате, пригодном и для браузера, и для файла.
// Expires - unix-время в секундах; значение <= 0 означает сессионную cookie.
type Cookie struct {
	Name      string  `json:"name"`
	Value     string  `json:"value"`
	Domain    string  `json:"domain"`
	Path      string  `json:"path,omitempty"`
	Expires   float64 `json:"expires"`
	HTTPOnly  bool    `json:"httpOnly,omitempty"`
	Secure    bool    `json:"secure,omitempty"`
	SameSite  string  `json:"sameSite,omitempty"`
	Essential bool    `json:"-"`
}

// UnmarshalJSON понимает и поле expirationDate из экспорта браузерных расширений.
func (c *Cookie) UnmarshalJSON(data []byte) error {
	type plain Cookie
	aux := struct {
		*plain
		ExpirationDate *float64 `json:"expirationDate"`
		Session        *bool    `json:"session"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if c.Expires == 0 && aux.ExpirationDate != nil {
		c.Expires = *aux.ExpirationDate
	}
	if aux.Session != nil && *aux.Session {
		c.Expires = -1
	}
	return nil
}

// SessionScoped сообщает, живёт ли cookie только в пределах сессии браузера.
func (c Cookie) SessionScoped() bool {
	return c.Expires <= 0
}

// Expired - истёк ли срок cookie на момент now. Сессионные cookie не истекают.
func (c Cookie) Expired(now time.Time) bool {
	if c.SessionScoped() {
		return false
	}
	return float64(now.Unix()) >= c.Expires
}

type Config struct {
	// Path - явный путь из конфигурации. Если задан, он же канонический путь записи.
	Path string
	// SearchPaths - дополнительные места поиска, первый найденный файл побеждает.
	SearchPaths []string
	// Essential - имена cookie, которые сохраняются независимо от срока.
	// Совпадение по имени или по префиксу "<имя>." (разбитые на части токены).
	Essential []string
	// DefaultDomain подставляется, если в файле домен не указан.
	DefaultDomain string
}

type Store struct {
	cfg       Config
	essential map[string]struct{}
	now       func() time.Time
	log       *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		cfg:       cfg,
		essential: make(map[string]struct{}, len(cfg.Essential)),
		now:       time.Now,
		log:       log,
	}
	for _, name := range cfg.Essential {
		s.essential[strings.ToLower(name)] = struct{}{}
	}
	return s
}

// DefaultSearchPaths - хорошо известные места, где может лежать файл cookie.
func DefaultSearchPaths(app string) []string {
	paths := []string{
		"cookies.json",
		filepath.Join("data", "cookies.json"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", app, "cookies.json"))
	}
	return paths
}

// IsEssential проверяет имя cookie по белому списку.
func (s *Store) IsEssential(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := s.essential[lower]; ok {
		return true
	}
	if i := strings.LastIndex(lower, "."); i > 0 {
		_, ok := s.essential[lower[:i]]
		return ok
	}
	return false
}

func (s *Store) candidates() []string {
	paths := make([]string, 0, len(s.cfg.SearchPaths)+1)
	if s.cfg.Path != "" {
		paths = append(paths, s.cfg.Path)
	}
	return append(paths, s.cfg.SearchPaths...)
}

// CanonicalPath - куда записываются cookie при закрытии сессии.
func (s *Store) CanonicalPath() string {
	paths := s.candidates()
	if len(paths) == 0 {
		return "cookies.json"
	}
	return paths[0]
}

// Load читает cookie из первого найденного файла. Отсутствие файла - не ошибка.
func (s *Store) Load() ([]Cookie, error) {
	for _, path := range s.candidates() {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения cookie из %s: %w", path, err)
		}

		var cookies []Cookie
		if err := json.Unmarshal(data, &cookies); err != nil {
			return nil, fmt.Errorf("ошибка разбора cookie из %s: %w", path, err)
		}

		filtered := s.Filter(cookies)
		s.log.Info("Cookie загружены",
			zap.String("path", path),
			zap.Int("total", len(cookies)),
			zap.Int("kept", len(filtered)),
		)
		return filtered, nil
	}

	s.log.Info("Сохранённые cookie не найдены, начинаем без предыдущей сессии")
	return nil, nil
}

// Filter нормализует домены, помечает важные cookie и отбрасывает просроченные неважные.
func (s *Store) Filter(cookies []Cookie) []Cookie {
	now := s.now()
	result := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		c.Essential = s.IsEssential(c.Name)
		c.Domain = normalizeDomain(c.Domain, s.cfg.DefaultDomain)
		if c.Path == "" {
			c.Path = "/"
		}
		if !c.Essential && c.Expired(now) {
			continue
		}
		result = append(result, c)
	}
	return result
}

// Save записывает cookie в канонический файл. Просроченные неважные cookie не пишутся.
func (s *Store) Save(cookies []Cookie) error {
	filtered := s.Filter(cookies)
	path := s.CanonicalPath()

	data, err := json.MarshalIndent(filtered, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации cookie: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("ошибка создания каталога для cookie: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("ошибка записи cookie: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ошибка записи cookie: %w", err)
	}

	s.log.Info("Cookie сохранены", zap.String("path", path), zap.Int("count", len(filtered)))
	return nil
}

func normalizeDomain(domain, fallback string) string {
	d := strings.TrimSpace(strings.ToLower(domain))
	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil {
			d = u.Hostname()
		}
	}
	if i := strings.IndexAny(d, "/:"); i >= 0 {
		d = d[:i]
	}
	if d == "" || d == "." {
		return fallback
	}
	return d
}
