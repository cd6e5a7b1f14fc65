package commands

import (
	"context"
	"fmt"
	"io"

	"renderBridge/internal/cli/ui"
	"renderBridge/internal/engine"
)

// SessionControl - управление браузерной сессией, реализуется engine.Manager.
type SessionControl interface {
	State() engine.State
	CreateSession(ctx context.Context) (*engine.Session, error)
	CloseSession(ctx context.Context) error
}

// SessionHandler обрабатывает команды сессии
type SessionHandler struct {
	session SessionControl
	out     io.Writer
}

func NewSessionHandler(session SessionControl, out io.Writer) *SessionHandler {
	return &SessionHandler{
		session: session,
		out:     out,
	}
}

// State выводит состояние сессии
func (h *SessionHandler) State() {
	icon, color, text := ui.FormatState(h.session.State())
	fmt.Fprintf(h.out, ui.ColorBold+"Сессия:"+ui.ColorReset+" %s%s %s"+ui.ColorReset+"\n", color, icon, text)
}

// Open заранее поднимает сессию: запуск браузера, проверка, вход
func (h *SessionHandler) Open(ctx context.Context) {
	fmt.Fprintln(h.out, ui.ColorCyan+ui.IconKey+" Запуск браузера и вход в сервис..."+ui.ColorReset)
	if _, err := h.session.CreateSession(ctx); err != nil {
		fmt.Fprintf(h.out, ui.ColorRed+ui.IconCross+" %s"+ui.ColorReset+"\n", engine.UserMessage(err))
		fmt.Fprintf(h.out, "  "+ui.ColorGray+"%v"+ui.ColorReset+"\n", err)
		return
	}
	fmt.Fprintln(h.out, ui.ColorGreen+ui.IconCheckmark+" Сессия готова"+ui.ColorReset)
}

// Close закрывает браузер, сохранив cookies
func (h *SessionHandler) Close(ctx context.Context) {
	if err := h.session.CloseSession(ctx); err != nil {
		fmt.Fprintf(h.out, ui.ColorRed+ui.IconCross+" Ошибка закрытия:"+ui.ColorReset+" %v\n", err)
		return
	}
	fmt.Fprintln(h.out, ui.ColorGray+"Сессия закрыта, cookies сохранены"+ui.ColorReset)
}
