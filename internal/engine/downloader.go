package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const defaultArtifactMime = "image/png"

var extensionMimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// MimeFromURL определяет mime-тип по расширению в пути адреса.
func MimeFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return defaultArtifactMime
	}
	if mt, ok := extensionMimeTypes[strings.ToLower(path.Ext(u.Path))]; ok {
		return mt
	}
	// Подписанные адреса часто прячут имя файла в параметрах
	for _, key := range []string{"filename", "rscd", "response-content-disposition"} {
		v := strings.ToLower(u.Query().Get(key))
		for ext, mt := range extensionMimeTypes {
			if strings.Contains(v, ext) {
				return mt
			}
		}
	}
	return defaultArtifactMime
}

// Downloader забирает байты артефакта по найденному адресу. Состояние сессии не трогает.
type Downloader struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewDownloader(client *http.Client, userAgent string) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{client: client, userAgent: userAgent, maxBytes: 50 << 20}
}

func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*GeneratedArtifact, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURL(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newError(KindDownload, "request", "некорректный адрес артефакта", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, newError(KindDownload, "transport", "ошибка загрузки артефакта", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(KindDownload, "status", fmt.Sprintf("неуспешный статус %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, newError(KindDownload, "read", "ошибка чтения тела ответа", err)
	}
	if int64(len(body)) > d.maxBytes {
		return nil, newError(KindDownload, "read", "артефакт слишком большой", nil)
	}
	if len(body) == 0 {
		return nil, newError(KindDownload, "read", "пустой ответ", nil)
	}

	return &GeneratedArtifact{
		MimeType:  MimeFromURL(rawURL),
		Bytes:     body,
		SourceURL: rawURL,
	}, nil
}

func decodeDataURL(raw string) (*GeneratedArtifact, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, newError(KindDownload, "decode", "неподдерживаемый data URL", nil)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, newError(KindDownload, "decode", "ошибка декодирования data URL", err)
	}
	mt := strings.TrimSuffix(header, ";base64")
	if mt == "" {
		mt = defaultArtifactMime
	}
	return &GeneratedArtifact{MimeType: mt, Bytes: data, SourceURL: "data:" + mt}, nil
}
