// Package sanitizer вычищает секреты из строк, которые уходят в логи, в базу и во внешние API.
package sanitizer

type DataSanitizer struct {
	rules []SanitizerRule
}

type SanitizerRule interface {
	Sanitize(text string) string
}

// New собирает правила по умолчанию. secrets - конкретные значения из конфигурации
// (токен сессии, пароль), которые маскируются дословно где бы они ни встретились.
func New(secrets ...string) *DataSanitizer {
	return &DataSanitizer{
		rules: []SanitizerRule{
			newSecretRule(secrets),
			&SignedURLSanitizer{},
			passwordRule,
			tokenRule,
			cookieRule,
			apiKeyRule,
			emailRule,
		},
	}
}

func (s *DataSanitizer) Sanitize(text string) string {
	if text == "" {
		return text
	}

	result := text
	for _, rule := range s.rules {
		result = rule.Sanitize(result)
	}

	return result
}

// SanitizeURL оставляет от адреса только то, что безопасно писать в лог.
func (s *DataSanitizer) SanitizeURL(raw string) string {
	return (&SignedURLSanitizer{}).sanitizeOne(raw)
}
