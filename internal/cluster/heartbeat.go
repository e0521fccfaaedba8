package cluster

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// monitor spends one liveness credit per worker every heartbeat interval and
// stops the test once no eligible worker is left. While the transport is
// broken it rebinds instead.
func (c *Coordinator) monitor(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if c.broken.Load() {
			c.resetConnection()
			continue
		}
		missing, remaining := c.registry.Sweep()
		for _, id := range missing {
			c.logger.Warn("worker failed to send heartbeat, setting state to missing", zap.String("worker", id))
		}
		if len(missing) > 0 && remaining == 0 {
			c.logger.Warn("the last worker went missing, stopping test")
			if err := c.Stop(ctx); err != nil {
				c.logger.Error("stop after losing workers", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) resetConnection() {
	c.logger.Info("resetting worker connection")
	_ = c.currentTransport().Close()
	t, err := c.opts.Listen(c.opts.BindAddr)
	if err != nil {
		c.logger.Error("temporary failure when resetting connection, will retry", zap.Error(err))
		return
	}
	c.tmu.Lock()
	c.transport = t
	c.tmu.Unlock()
	c.broken.Store(false)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
