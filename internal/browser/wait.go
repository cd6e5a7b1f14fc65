package browser

import (
	"context"
	"fmt"
	"time"
)

// run выполняет блокирующий вызов playwright с ограничением по времени и контексту.
// Сам вызов playwright не прерывается, но вызывающий перестаёт его ждать.
func run(ctx context.Context, timeout time.Duration, op string, fn func() error) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn()
	}()

	select {
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s timeout after %v", op, timeout)
	case err := <-errChan:
		return err
	}
}
