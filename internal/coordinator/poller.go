package coordinator

import (
	"context"
	"time"
)

// pollLoop sends dataQuery to devices whose profile sets query_interval.
func (c *Coordinator) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.PollTick)
	defer ticker.Stop()

	last := make(map[string]time.Time)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.pollDue(last)
		}
	}
}

// pollDue queries every device whose interval has elapsed since its last
// poll. last is owned by the poll loop.
func (c *Coordinator) pollDue(last map[string]time.Time) {
	devs, err := c.store.ListDevices()
	if err != nil {
		c.logger.Error("poll: list devices", "err", err)
		return
	}
	now := c.now()
	seen := make(map[string]bool, len(devs))
	for _, d := range devs {
		seen[d.IEEEAddress] = true
		p := c.deviceDB.Lookup(d.Manufacturer, d.Model)
		if p == nil || p.QueryInterval == 0 {
			continue
		}
		if t, ok := last[d.IEEEAddress]; ok && now.Sub(t) < p.QueryInterval {
			continue
		}
		last[d.IEEEAddress] = now

		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		if err := c.Query(ctx, d.IEEEAddress); err != nil {
			c.logger.Warn("poll query", "ieee", d.IEEEAddress, "err", err)
		}
		cancel()
	}
	for ieee := range last {
		if !seen[ieee] {
			delete(last, ieee)
		}
	}
}
