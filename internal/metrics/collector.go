package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current values for gauge metrics.
// Nil functions are skipped; an error from a function leaves its gauge unchanged.
type StatsSource struct {
	AuditSequence   func(ctx context.Context) (uint64, error)
	StatsSequence   func(ctx context.Context) (uint64, error)
	PostsByState    func(ctx context.Context) (map[string]int, error)
	UsersBySeverity func(ctx context.Context) (map[string]int, error)
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(ctx, src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(ctx, src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(ctx context.Context, src StatsSource) {
	if src.AuditSequence != nil {
		if seq, err := src.AuditSequence(ctx); err == nil {
			AuditSequence.Set(float64(seq))
		} else {
			log.Warn().Err(err).Msg("metrics: failed to read audit sequence")
		}
	}
	if src.StatsSequence != nil {
		if seq, err := src.StatsSequence(ctx); err == nil {
			StatsSequence.Set(float64(seq))
		} else {
			log.Warn().Err(err).Msg("metrics: failed to read stats sequence")
		}
	}
	if src.PostsByState != nil {
		if counts, err := src.PostsByState(ctx); err == nil {
			for state, count := range counts {
				PostsByState.WithLabelValues(state).Set(float64(count))
			}
		} else {
			log.Warn().Err(err).Msg("metrics: failed to count posts")
		}
	}
	if src.UsersBySeverity != nil {
		if counts, err := src.UsersBySeverity(ctx); err == nil {
			for severity, count := range counts {
				UsersBySeverity.WithLabelValues(severity).Set(float64(count))
			}
		} else {
			log.Warn().Err(err).Msg("metrics: failed to count users")
		}
	}
}
