package sanitizer

import (
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// SignedURLSanitizer убирает из адресов параметры запроса: у подписанных адресов
// хранилищ в них лежат подпись и срок действия, по которым файл можно скачать.
type SignedURLSanitizer struct{}

func (s *SignedURLSanitizer) Sanitize(text string) string {
	return urlPattern.ReplaceAllStringFunc(text, s.sanitizeOne)
}

func (s *SignedURLSanitizer) sanitizeOne(raw string) string {
	if header, _, ok := strings.Cut(raw, ","); ok && strings.HasPrefix(raw, "data:") {
		return header + ",[DATA]"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery == "" && u.Fragment == "" && u.User == nil {
		return raw
	}
	u.User = nil
	u.Fragment = ""
	if u.RawQuery != "" {
		u.RawQuery = "[FILTERED]"
	}
	return u.String()
}
