package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// ScrollIntoView прокручивает к последнему элементу по селектору.
// Для ленты сообщений это самый свежий ход.
func (b *PlaywrightBrowser) ScrollIntoView(ctx context.Context, selector string) error {
	loc, err := b.locator(selector)
	if err != nil {
		return err
	}

	count, err := loc.Count()
	if err != nil {
		return fmt.Errorf("элемент не найден: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("элемент с селектором %s не найден", selector)
	}
	element := loc.Nth(count - 1)

	// Если элемент уже виден, не нужно прокручивать
	if visible, err := element.IsVisible(); err == nil && visible {
		inView, err := element.Evaluate(inViewportScript, nil)
		if ok, _ := inView.(bool); err == nil && ok {
			return nil
		}
	}

	err = element.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: playwright.Float(5000),
	})
	if err != nil {
		// Если ScrollIntoViewIfNeeded не работает, используем простой scrollIntoView с auto
		_, err = element.Evaluate(`el => el.scrollIntoView({behavior: 'auto', block: 'center', inline: 'center'})`, nil)
		if err != nil {
			return fmt.Errorf("ошибка прокрутки к элементу: %w", err)
		}
		// Даем время на завершение прокрутки
		time.Sleep(200 * time.Millisecond)
	}

	return nil
}

const inViewportScript = `el => {
	const rect = el.getBoundingClientRect();
	const windowHeight = window.innerHeight || document.documentElement.clientHeight;
	const windowWidth = window.innerWidth || document.documentElement.clientWidth;

	const vertInView = (rect.top <= windowHeight) && ((rect.top + rect.height) >= 0);
	const horInView = (rect.left <= windowWidth) && ((rect.left + rect.width) >= 0);

	return vertInView && horInView;
}`
