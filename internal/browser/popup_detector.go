package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type PopupDetector interface {
	DetectPopup(ctx context.Context, elements []ElementInfo) (*PopupInfo, error)
}

type PopupInfo struct {
	HasPopup         bool   `json:"has_popup"`
	CloseSelector    string `json:"close_selector"`
	PopupDescription string `json:"popup_description"`
	Reasoning        string `json:"reasoning"`
}

type LLMPopupDetector struct {
	llmClient LLMClient
}

type LLMClient interface {
	AnalyzePopup(ctx context.Context, elements string) (*PopupInfo, error)
}

func NewLLMPopupDetector(llmClient LLMClient) *LLMPopupDetector {
	return &LLMPopupDetector{
		llmClient: llmClient,
	}
}

func (d *LLMPopupDetector) DetectPopup(ctx context.Context, elements []ElementInfo) (*PopupInfo, error) {
	if len(elements) == 0 {
		return &PopupInfo{HasPopup: false}, nil
	}

	elementsJSON, err := json.Marshal(elements)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal elements: %w", err)
	}

	return d.llmClient.AnalyzePopup(ctx, string(elementsJSON))
}

var popupCloseSelectors = []string{
	"[role='dialog'] button[aria-label*='close' i]",
	"[role='dialog'] button[aria-label*='закрыть' i]",
	"[role='dialog'] button[data-testid*='close' i]",
	"[role='dialog'] button:has-text('Stay logged out')",
	"[role='dialog'] button:has-text('Maybe later')",
	"[role='dialog'] button:has-text('Dismiss')",
	".modal button.close",
	"[data-dismiss='modal']",
	"[role='dialog'] [aria-label='Close']",
}

// collectDialogElementsScript собирает кнопки внутри открытых диалогов для детектора.
const collectDialogElementsScript = `() => {
	const out = [];
	const dialogs = document.querySelectorAll("[role='dialog'], [role='alertdialog'], .modal");
	dialogs.forEach(d => {
		d.querySelectorAll('button, [role=button], a').forEach(el => {
			const r = el.getBoundingClientRect();
			if (r.width === 0 || r.height === 0) return;
			let selector = el.tagName.toLowerCase();
			if (el.id) selector = '#' + CSS.escape(el.id);
			else if (el.dataset.testid) selector = "[data-testid='" + el.dataset.testid + "']";
			else if (el.getAttribute('aria-label')) selector = selector + "[aria-label='" + el.getAttribute('aria-label') + "']";
			out.push({
				tag: el.tagName.toLowerCase(),
				text: (el.innerText || '').trim().slice(0, 80),
				selector: selector,
				role: el.getAttribute('role') || '',
				label: el.getAttribute('aria-label') || '',
			});
		});
	});
	return out.slice(0, 40);
}`

// ClosePopups закрывает модальные окна, которые перекрывают интерфейс.
// Ошибки закрытия не критичны: попап может исчезнуть сам.
func (b *PlaywrightBrowser) ClosePopups(ctx context.Context) error {
	page, err := b.getPage()
	if err != nil {
		return err
	}

	if b.popupDetector != nil {
		if b.closePopupsWithDetector(ctx) {
			return nil
		}
	}

	for _, selector := range popupCloseSelectors {
		loc := page.Locator(selector)
		count, err := loc.Count()
		if err != nil || count == 0 {
			continue
		}

		for i := 0; i < count; i++ {
			element := loc.Nth(i)
			visible, err := element.IsVisible()
			if err != nil || !visible {
				continue
			}
			if err := element.Click(); err == nil {
				time.Sleep(500 * time.Millisecond)
			}
		}
	}

	return nil
}

func (b *PlaywrightBrowser) closePopupsWithDetector(ctx context.Context) bool {
	raw, err := b.Evaluate(ctx, collectDialogElementsScript, nil)
	if err != nil {
		return false
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	var elements []ElementInfo
	if err := json.Unmarshal(data, &elements); err != nil || len(elements) == 0 {
		return len(elements) == 0 && err == nil
	}

	popupInfo, err := b.popupDetector.DetectPopup(ctx, elements)
	if err != nil {
		return false
	}
	if !popupInfo.HasPopup || popupInfo.CloseSelector == "" {
		return true
	}

	loc, err := b.locator(popupInfo.CloseSelector)
	if err != nil {
		return false
	}
	if visible, err := loc.First().IsVisible(); err != nil || !visible {
		return false
	}
	if err := loc.First().Click(); err != nil {
		return false
	}
	time.Sleep(500 * time.Millisecond)
	return true
}
