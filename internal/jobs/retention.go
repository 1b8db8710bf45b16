package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/logger"

	"github.com/robfig/cron/v3"
)

// StartRetention prunes jobs older than retention on the given cron
// schedule, e.g. "@every 10m". The returned scheduler is running; stop it
// with Stop.
func StartRetention(m *Manager, schedule string, retention time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := m.Prune(ctx, retention); err != nil {
			logger.Warn("[Jobs] Failed to delete expired results", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	c.Start()
	logger.Info("[Jobs] Retention scheduled", "schedule", schedule, "retention", retention)
	return c, nil
}
