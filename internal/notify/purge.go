package notify

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// StartPurger runs PurgeExpired on schedule until ctx is cancelled.
func (d *Dispatcher) StartPurger(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(schedule, func() {
		n, err := d.PurgeExpired(ctx)
		if err != nil {
			d.log.Error("notification purge failed", "error", err)
			return
		}
		if n > 0 {
			d.log.Info("purged expired notifications", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("notify: purge schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
