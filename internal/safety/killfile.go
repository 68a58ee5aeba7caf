package safety

import (
	"context"
	"os"
	"time"
)

// CheckKillFile fires the kill switch when the sentinel file exists and
// it has not already fired for this appearance. Removing the file re-arms
// it. It reports whether the kill switch fired.
func (c *Controller) CheckKillFile() bool {
	if c.killFile == "" {
		return false
	}

	_, err := os.Stat(c.killFile)
	present := err == nil

	c.fileMu.Lock()
	fire := present && !c.fileSeen
	c.fileSeen = present
	c.fileMu.Unlock()

	if !fire {
		return false
	}
	if _, err := c.KillSwitch("KILL sentinel file detected", "file"); err != nil {
		c.logger.Error("kill file trigger failed", "path", c.killFile, "error", err)
	}
	return true
}

// WatchKillFile polls the sentinel file every interval until ctx is done.
func (c *Controller) WatchKillFile(ctx context.Context, interval time.Duration) {
	if c.killFile == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	c.logger.Info("watching kill file", "path", c.killFile, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckKillFile()
		}
	}
}
