package syncer

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a usable drain schedule. An empty
// expr is valid and disables periodic drains.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// StartSchedule runs DrainIfPending on expr until the returned stop function
// is called. Overlapping ticks are skipped by the single-flight guard.
func (s *Syncer) StartSchedule(ctx context.Context, expr string) (stop func(), err error) {
	if expr == "" {
		return func() {}, nil
	}

	c := cron.New(cron.WithParser(scheduleParser))
	_, err = c.AddFunc(expr, func() {
		if _, err := s.DrainIfPending(ctx); err != nil {
			s.logger.Error("scheduled drain failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	c.Start()
	s.logger.Info("periodic drain scheduled", "schedule", expr)

	return func() {
		<-c.Stop().Done()
	}, nil
}

// WatchConnectivity triggers DrainIfPending whenever subscribe reports a
// transition to online. The drain runs on its own goroutine so the
// connectivity publisher is never blocked by network calls.
func (s *Syncer) WatchConnectivity(ctx context.Context, subscribe func(func(online bool)) func()) (unsubscribe func()) {
	return subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if _, err := s.DrainIfPending(ctx); err != nil {
				s.logger.Error("reconnect drain failed", "error", err)
			}
		}()
	})
}
