package engine

import (
	"context"
	"net/url"
	"strings"

	"renderBridge/internal/browser"
)

// Probe - именованная проверка наличия элемента на странице.
type Probe struct {
	Name     string
	Selector string
}

// ProbeSet - упорядоченный список проверок; побеждает первая сработавшая.
type ProbeSet []Probe

// First возвращает первую сработавшую проверку. Ошибка возвращается, только
// если не удалось выполнить ни одну проверку.
func (ps ProbeSet) First(ctx context.Context, d browser.Driver) (Probe, bool, error) {
	var lastErr error
	evaluated := 0
	for _, p := range ps {
		n, err := d.Count(ctx, p.Selector)
		if err != nil {
			lastErr = err
			continue
		}
		evaluated++
		if n > 0 {
			return p, true, nil
		}
	}
	if evaluated == 0 && lastErr != nil {
		return Probe{}, false, lastErr
	}
	return Probe{}, false, nil
}

// CountAll суммирует совпадения всех проверок набора.
func (ps ProbeSet) CountAll(ctx context.Context, d browser.Driver) int {
	total := 0
	for _, p := range ps {
		if n, err := d.Count(ctx, p.Selector); err == nil {
			total += n
		}
	}
	return total
}

// Target - профиль разметки управляемого сервиса. Всё, что зависит от вёрстки,
// собрано здесь, чтобы смена разметки правилась в одном месте.
type Target struct {
	Origin   string
	LoginURL string

	ChallengeURLMarkers []string
	ChallengePhrases    []string
	MinBodyText         int

	ChatReady         ProbeSet
	FileInput         ProbeSet
	AttachButton      ProbeSet
	AttachmentPreview ProbeSet
	PromptInput       ProbeSet
	SubmitButton      ProbeSet

	UserMessage    string
	AssistantTurn  string
	AssistantImage string
	DocumentImage  string

	ArtifactURLPatterns []string

	EmailInput     ProbeSet
	PasswordInput  ProbeSet
	LoginEntry     ProbeSet
	ContinueButton ProbeSet

	SessionTokenCookie string
	EssentialCookies   []string
}

// Host - хост origin без порта.
func (t Target) Host() string {
	u, err := url.Parse(t.Origin)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// IsArtifactURL проверяет адрес по известным шаблонам адресов сгенерированных файлов.
func (t Target) IsArtifactURL(src string) bool {
	if strings.HasPrefix(src, "data:image/") {
		return true
	}
	for _, p := range t.ArtifactURLPatterns {
		if strings.Contains(src, p) {
			return true
		}
	}
	return false
}

// DefaultTarget - профиль веб-чата с генерацией изображений.
func DefaultTarget(origin string) Target {
	if origin == "" {
		origin = "https://chatgpt.com/"
	}
	return Target{
		Origin: origin,

		ChallengeURLMarkers: []string{
			"/cdn-cgi/challenge-platform",
			"__cf_chl",
			"challenges.cloudflare.com",
			"/challenge",
			"captcha",
		},
		ChallengePhrases: []string{
			"just a moment",
			"checking your browser",
			"verify you are human",
			"verifying you are human",
			"attention required",
			"enable javascript and cookies to continue",
			"needs to review the security of your connection",
		},
		MinBodyText: 40,

		ChatReady: ProbeSet{
			{Name: "prompt-textarea", Selector: "#prompt-textarea"},
			{Name: "composer-contenteditable", Selector: "div[contenteditable='true'][data-virtualkeyboard]"},
			{Name: "composer-form", Selector: "form[data-type='unified-composer']"},
			{Name: "chat-textarea", Selector: "main textarea"},
			{Name: "conversation-main", Selector: "main [role='presentation']"},
		},
		FileInput: ProbeSet{
			{Name: "image-input", Selector: "input[type='file'][accept*='image']"},
			{Name: "any-file-input", Selector: "input[type='file']"},
		},
		AttachButton: ProbeSet{
			{Name: "attach-testid", Selector: "button[data-testid='composer-plus-btn']"},
			{Name: "attach-aria", Selector: "button[aria-label*='Attach' i]"},
			{Name: "upload-aria", Selector: "button[aria-label*='Upload' i]"},
		},
		AttachmentPreview: ProbeSet{
			{Name: "attachment-tile", Selector: "[data-testid*='attachment']"},
			{Name: "composer-image", Selector: "form img[src^='blob:'], form img[alt*='Uploaded' i]"},
			{Name: "file-tile", Selector: "form [role='group'] img"},
		},
		PromptInput: ProbeSet{
			{Name: "prompt-textarea", Selector: "#prompt-textarea"},
			{Name: "composer-contenteditable", Selector: "div[contenteditable='true']"},
			{Name: "chat-textarea", Selector: "main textarea"},
		},
		SubmitButton: ProbeSet{
			{Name: "send-testid", Selector: "button[data-testid='send-button']"},
			{Name: "send-aria", Selector: "button[aria-label*='Send' i]"},
			{Name: "composer-submit", Selector: "#composer-submit-button"},
		},

		UserMessage:    "[data-message-author-role='user']",
		AssistantTurn:  "[data-message-author-role='assistant']",
		AssistantImage: "[data-message-author-role='assistant'] img, article[data-testid*='conversation-turn'] img[alt*='Generated' i]",
		DocumentImage:  "img",

		ArtifactURLPatterns: []string{
			"oaiusercontent.com",
			"/backend-api/estuary/content",
			"/backend-api/files/",
		},

		EmailInput: ProbeSet{
			{Name: "email-id", Selector: "input#email-input"},
			{Name: "email-type", Selector: "input[type='email']"},
			{Name: "username", Selector: "input[name='username']"},
		},
		PasswordInput: ProbeSet{
			{Name: "password-type", Selector: "input[type='password']"},
			{Name: "password-name", Selector: "input[name='password']"},
		},
		LoginEntry: ProbeSet{
			{Name: "login-testid", Selector: "button[data-testid='login-button']"},
			{Name: "login-text", Selector: "button:has-text('Log in')"},
		},
		ContinueButton: ProbeSet{
			{Name: "submit-type", Selector: "button[type='submit']"},
			{Name: "continue-text", Selector: "button:has-text('Continue')"},
		},

		SessionTokenCookie: "__Secure-next-auth.session-token",
		EssentialCookies: []string{
			"__Secure-next-auth.session-token",
			"__Secure-next-auth.callback-url",
			"__Host-next-auth.csrf-token",
			"cf_clearance",
			"__cf_bm",
			"_cfuvid",
			"oai-did",
		},
	}
}
