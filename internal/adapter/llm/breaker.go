package llm

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github-star-miner/internal/common"
	"github-star-miner/internal/port"
)

// BreakerConfig configures the circuit breaker around a Completer.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening
	Timeout          time.Duration // how long the breaker stays open
	MaxRequests      uint32        // probes allowed while half-open
}

// Guarded wraps a Completer with a circuit breaker so a dead model endpoint
// fails fast instead of stalling every candidate for its full timeout.
type Guarded struct {
	next port.Completer
	cb   *gobreaker.CircuitBreaker[string]
}

// NewGuarded wraps next. Transport failures and expired deadlines count
// towards tripping, so an endpoint that hangs opens the breaker like one
// that refuses. Malformed output and caller cancellation do not.
func NewGuarded(next port.Completer, cfg BreakerConfig, logger *zap.Logger) *Guarded {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	log := logger.Named("breaker")

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, common.ErrMalformedOutput) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Guarded{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[string](settings),
	}
}

// Complete forwards to the wrapped Completer unless the breaker is open.
func (g *Guarded) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := g.cb.Execute(func() (string, error) {
		return g.next.Complete(ctx, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", common.WrapError(common.ErrCodeModelUnavailable, "language model temporarily unavailable", err)
	}
	return out, err
}

// State reports the breaker state for health checks.
func (g *Guarded) State() string {
	return g.cb.State().String()
}
