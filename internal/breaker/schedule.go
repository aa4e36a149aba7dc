package breaker

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Start rolls the trading day at local midnight until ctx is done.
func (b *Breaker) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(b.cfg.Location))
	if _, err := c.AddFunc("0 0 * * *", func() {
		if err := b.RollDay(ctx); err != nil {
			b.logger.ErrorContext(ctx, "day roll failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	b.Wait()
	return ctx.Err()
}
