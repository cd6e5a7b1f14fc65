package sanitizer

import "regexp"

type replacement struct {
	pattern *regexp.Regexp
	with    string
}

// patternRule заменяет значение после ключа на [FILTERED], ключ оставляет.
type patternRule []replacement

func (r patternRule) Sanitize(text string) string {
	for _, rep := range r {
		text = rep.pattern.ReplaceAllString(text, rep.with)
	}
	return text
}

var passwordRule = patternRule{
	{regexp.MustCompile(`(?i)(password|пароль|passwd|pwd)\s*[:=]\s*["']?[^"'\s]{3,}["']?`), `${1}: [FILTERED]`},
}

var tokenRule = patternRule{
	{regexp.MustCompile(`(?i)(token|токен)\s*[:=]\s*["']?[a-zA-Z0-9_.-]{20,}["']?`), `${1}: [FILTERED]`},
	{regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_.-]{20,}`), `${1}[FILTERED]`},
	{regexp.MustCompile(`(sk-)[a-zA-Z0-9_-]{32,}`), `${1}[FILTERED]`},
}

var cookieRule = patternRule{
	{regexp.MustCompile(`(?i)((?:set-)?cookie\s*:\s*).+`), `${1}[FILTERED]`},
	{regexp.MustCompile(`(?i)(session[_-]?id|session[_-]?token|cf_clearance|__cf_bm)=[^;\s"']{6,}`), `${1}=[FILTERED]`},
}

var apiKeyRule = patternRule{
	{regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token)\s*[:=]\s*["']?[a-zA-Z0-9_-]{20,}["']?`), `${1}: [FILTERED]`},
}

var emailRule = patternRule{
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`), `[FILTERED_EMAIL]`},
}
