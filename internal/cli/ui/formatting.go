package ui

import (
	"fmt"
	"unicode/utf8"

	"renderBridge/internal/database"
	"renderBridge/internal/engine"
)

// FormatStatus возвращает иконку, цвет и текст для статуса задания
func FormatStatus(status database.JobStatus) (icon, color, text string) {
	switch status {
	case database.JobCompleted:
		return IconCheckmark, ColorGreen, "готово"
	case database.JobFailed:
		return IconCross, ColorRed, "ошибка"
	case database.JobRunning:
		return IconPlay, ColorCyan, "выполняется"
	case database.JobPending:
		return IconClock, ColorYellow, "в очереди"
	default:
		return IconClock, ColorYellow, string(status)
	}
}

// FormatState - то же для состояния браузерной сессии
func FormatState(state engine.State) (icon, color, text string) {
	switch state {
	case engine.StateReady:
		return IconCheckmark, ColorGreen, "готова"
	case engine.StateBusy:
		return IconPlay, ColorCyan, "занята генерацией"
	case engine.StateLaunching:
		return IconLoop, ColorCyan, "запускается"
	case engine.StateChallenged:
		return IconClock, ColorYellow, "проверка браузера"
	case engine.StateDegraded:
		return IconCross, ColorYellow, "нарушена, будет переподключение"
	case engine.StateClosed:
		return IconCross, ColorGray, "закрыта"
	default:
		return IconClock, ColorGray, "не запущена"
	}
}

// Truncate обрезает строку до n символов
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// ClearScreen очищает терминал
func ClearScreen() {
	fmt.Print("\033[H\033[2J")
}
