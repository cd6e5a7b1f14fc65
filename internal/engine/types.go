package engine

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"renderBridge/internal/browser"
)

type MimeCategory string

const (
	CategoryImage    MimeCategory = "image"
	CategoryVideo    MimeCategory = "video"
	CategoryDocument MimeCategory = "document"
)

// Attachment - один входной файл к запросу: либо байты, либо путь на диске.
type Attachment struct {
	Data         []byte
	Path         string
	OriginalName string
	MimeType     string
}

// Category определяет вид вложения по mime-типу, имени файла или содержимому.
func (a Attachment) Category() MimeCategory {
	switch mt := a.mimeType(); {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case strings.HasPrefix(mt, "video/"):
		return CategoryVideo
	default:
		return CategoryDocument
	}
}

func (a Attachment) name() string {
	if a.OriginalName != "" {
		return a.OriginalName
	}
	if a.Path != "" {
		return filepath.Base(a.Path)
	}
	return "attachment"
}

func (a Attachment) mimeType() string {
	if a.MimeType != "" {
		return a.MimeType
	}
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(a.name()))); mt != "" {
		return mt
	}
	if len(a.Data) > 0 {
		return http.DetectContentType(a.Data)
	}
	return "application/octet-stream"
}

// file читает вложение в форму, пригодную для загрузки в браузер.
func (a Attachment) file() (browser.File, error) {
	data := a.Data
	if len(data) == 0 && a.Path != "" {
		b, err := os.ReadFile(a.Path)
		if err != nil {
			return browser.File{}, fmt.Errorf("ошибка чтения вложения %s: %w", a.Path, err)
		}
		data = b
	}
	if len(data) == 0 {
		return browser.File{}, fmt.Errorf("вложение %s пустое", a.name())
	}
	mt := a.MimeType
	if mt == "" {
		mt = Attachment{Data: data, OriginalName: a.name()}.mimeType()
	}
	return browser.File{Name: a.name(), MimeType: mt, Data: data}, nil
}

type PromptRequest struct {
	Text        string
	Attachments []Attachment
}

// Validate проверяет текст и ограничение на число вложений.
func (r PromptRequest) Validate(maxAttachments int) error {
	if strings.TrimSpace(r.Text) == "" {
		return newError(KindInvalidRequest, "validate", "пустой текст запроса", nil)
	}
	if maxAttachments > 0 && len(r.Attachments) > maxAttachments {
		return newError(KindInvalidRequest, "validate",
			fmt.Sprintf("слишком много вложений: %d, максимум %d", len(r.Attachments), maxAttachments), nil)
	}
	return nil
}

// GeneratedArtifact - изображение, полученное от сервиса.
type GeneratedArtifact struct {
	MimeType  string
	Bytes     []byte
	SourceURL string
}

// DataURL кодирует артефакт в base64 data URL.
func (a *GeneratedArtifact) DataURL() string {
	return "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Bytes)
}

// Extension - расширение файла для mime-типа артефакта.
func (a *GeneratedArtifact) Extension() string {
	for ext, mt := range extensionMimeTypes {
		if mt == a.MimeType && ext != ".jpeg" {
			return ext
		}
	}
	return ".bin"
}

// RetryPolicy применяется только к созданию сессии.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// delay - пауза перед попыткой attempt (нумерация с 1), растёт линейно.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Backoff * time.Duration(attempt)
}
