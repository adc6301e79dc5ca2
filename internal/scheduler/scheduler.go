package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"paceline/internal/engine"
)

const defaultInterval = time.Minute

// Scheduler drives the timeout monitor on a fixed interval. Sweeps run
// synchronously on one goroutine, so two passes can never overlap.
type Scheduler struct {
	Engine   engine.Engine
	Interval time.Duration
	Log      zerolog.Logger
}

func New(e engine.Engine, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{Engine: e, Interval: interval, Log: log}
}

// Run sweeps immediately, then on every tick until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.Log.Info().Dur("interval", s.Interval).Msg("timeout scheduler started")
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		res := s.Engine.Sweep(ctx)
		for _, msg := range res.Errors {
			s.Log.Warn().Str("error", msg).Msg("sweep error")
		}
		select {
		case <-ctx.Done():
			s.Log.Info().Msg("timeout scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
