package sanitizer

import "strings"

// secretRule маскирует заранее известные значения дословно.
type secretRule struct {
	replacer *strings.Replacer
}

func newSecretRule(secrets []string) *secretRule {
	var pairs []string
	for _, s := range secrets {
		// Короткие значения дают слишком много ложных совпадений
		if len(s) < 6 {
			continue
		}
		pairs = append(pairs, s, "[FILTERED]")
	}
	if len(pairs) == 0 {
		return &secretRule{}
	}
	return &secretRule{replacer: strings.NewReplacer(pairs...)}
}

func (r *secretRule) Sanitize(text string) string {
	if r.replacer == nil {
		return text
	}
	return r.replacer.Replace(text)
}
