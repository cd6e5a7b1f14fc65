package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type ErrorKind int

const (
	KindLaunch ErrorKind = iota + 1
	KindNavigation
	KindChallengeTimeout
	KindLoginRequired
	KindUpload
	KindSubmit
	KindPollTimeout
	KindDownload
	KindSessionCreation
	KindSessionClosed
	KindSessionBusy
	KindInvalidRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindLaunch:
		return "launch"
	case KindNavigation:
		return "navigation"
	case KindChallengeTimeout:
		return "challenge_timeout"
	case KindLoginRequired:
		return "login_required"
	case KindUpload:
		return "upload"
	case KindSubmit:
		return "submit"
	case KindPollTimeout:
		return "poll_timeout"
	case KindDownload:
		return "download"
	case KindSessionCreation:
		return "session_creation"
	case KindSessionClosed:
		return "session_closed"
	case KindSessionBusy:
		return "session_busy"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error - ошибка движка с указанием шага и попытки.
// errors.Is сравнивает ошибки по Kind, поэтому сентинелы ниже годятся для ветвления.
type Error struct {
	Kind    ErrorKind
	Step    string
	Attempt int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Step != "" {
		b.WriteString(" [" + e.Step + "]")
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " (попытка %d)", e.Attempt)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrLaunch           = &Error{Kind: KindLaunch}
	ErrNavigation       = &Error{Kind: KindNavigation}
	ErrChallengeTimeout = &Error{Kind: KindChallengeTimeout}
	ErrLoginRequired    = &Error{Kind: KindLoginRequired}
	ErrUpload           = &Error{Kind: KindUpload}
	ErrSubmit           = &Error{Kind: KindSubmit}
	ErrPollTimeout      = &Error{Kind: KindPollTimeout}
	ErrDownload         = &Error{Kind: KindDownload}
	ErrSessionCreation  = &Error{Kind: KindSessionCreation}
	ErrSessionClosed    = &Error{Kind: KindSessionClosed}
	ErrSessionBusy      = &Error{Kind: KindSessionBusy}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
)

func newError(kind ErrorKind, step, message string, err error) *Error {
	return &Error{Kind: kind, Step: step, Message: message, Err: err}
}

// KindOf возвращает вид самой внешней ошибки движка в цепочке.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var transientMarkers = []string{
	"frame was detached",
	"frame has been detached",
	"execution context was destroyed",
	"target closed",
	"target page, context or browser has been closed",
	"protocol error",
	"websocket",
	"connection closed",
	"connection reset",
	"econnreset",
	"navigation interrupted",
	"interrupted by another navigation",
}

// IsTransient - ошибка инфраструктурного характера, которую имеет смысл повторить один раз.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// UserMessage - текст для конечного пользователя по виду ошибки.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChallengeTimeout), errors.Is(err, ErrLoginRequired):
		return "Сервис временно недоступен, попробуйте позже"
	case errors.Is(err, ErrPollTimeout):
		return "Генерация занимает слишком много времени, попробуйте ещё раз"
	case errors.Is(err, ErrUpload), errors.Is(err, ErrDownload):
		return "Не удалось обработать одно из изображений"
	case errors.Is(err, ErrInvalidRequest):
		return "Некорректный запрос: " + err.Error()
	default:
		return "Не удалось выполнить запрос, попробуйте ещё раз"
	}
}
