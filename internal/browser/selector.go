package browser

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	containsPatternDouble   = regexp.MustCompile(`:contains\("([^"]*)"\)`)
	containsPatternSingle   = regexp.MustCompile(`:contains\('([^']*)'\)`)
	containsPatternNoQuotes = regexp.MustCompile(`:contains\(([^)'"]+)\)`)
)

// NormalizeSelector преобразует jQuery :contains() в Playwright :has-text().
// Возвращает нормализованный селектор и флаг, указывающий, был ли селектор изменен.
func NormalizeSelector(selector string) (string, bool) {
	if selector == "" || !strings.Contains(selector, ":contains(") {
		return selector, false
	}

	normalized := containsPatternDouble.ReplaceAllString(selector, `:has-text("$1")`)
	normalized = containsPatternSingle.ReplaceAllString(normalized, `:has-text('$1')`)
	normalized = containsPatternNoQuotes.ReplaceAllStringFunc(normalized, func(match string) string {
		text := strings.TrimSpace(containsPatternNoQuotes.FindStringSubmatch(match)[1])
		return `:has-text("` + text + `")`
	})

	return normalized, normalized != selector
}

// ValidateSelector проверяет, что селектор не пустой и не является URL.
func ValidateSelector(selector string) error {
	selectorTrimmed := strings.TrimSpace(selector)
	if selectorTrimmed == "" {
		return fmt.Errorf("селектор не может быть пустым")
	}

	if strings.Contains(selectorTrimmed, "://") {
		return fmt.Errorf("селектор не может содержать протокол (://). Получен: %s", selector)
	}

	return nil
}
