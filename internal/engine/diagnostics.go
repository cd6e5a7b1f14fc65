package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"renderBridge/internal/browser"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Diagnostics сохраняет скриншоты и HTML страницы для разбора инцидентов.
// Ошибки здесь только логируются и никогда не влияют на ход работы.
type Diagnostics struct {
	dir string
	log *zap.Logger
}

func NewDiagnostics(dir string, log *zap.Logger) *Diagnostics {
	return &Diagnostics{dir: dir, log: log}
}

func (d *Diagnostics) Dump(ctx context.Context, drv browser.Driver, label string) {
	if d == nil || d.dir == "" || drv == nil {
		return
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.log.Warn("Не удалось создать каталог диагностики", zap.String("dir", d.dir), zap.Error(err))
		return
	}

	base := filepath.Join(d.dir, time.Now().Format("20060102-150405")+"-"+label+"-"+uuid.NewString()[:8])

	if err := drv.Screenshot(ctx, base+".png"); err != nil {
		d.log.Debug("Скриншот не сохранён", zap.String("label", label), zap.Error(err))
	}
	if html, err := drv.Content(ctx); err == nil {
		if err := os.WriteFile(base+".html", []byte(html), 0o644); err != nil {
			d.log.Debug("HTML не сохранён", zap.String("label", label), zap.Error(err))
		}
	}

	d.log.Info("Сохранена диагностика страницы", zap.String("label", label), zap.String("path", base))
}
