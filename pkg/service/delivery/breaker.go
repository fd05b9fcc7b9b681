package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned without contacting the provider while the breaker is open
var ErrCircuitOpen = errors.New("delivery circuit open")

const (
	DefaultTripFailures       = 20
	DefaultBreakerOpenTimeout = 30 * time.Second
	DefaultBreakerResetAfter  = 5 * time.Minute
)

// BreakerConfig tunes CircuitBreaker. Zero values take defaults.
type BreakerConfig struct {
	// TripFailures consecutive failures open the circuit
	TripFailures int
	// OpenTimeout is how long the open circuit fails fast before one trial send goes through
	OpenTimeout time.Duration
	// ResetAfter clears the failure counts of a closed circuit
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures <= 0 {
		c.TripFailures = DefaultTripFailures
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultBreakerOpenTimeout
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = DefaultBreakerResetAfter
	}
	return c
}

// CircuitBreaker stops hammering a failing provider. A duplicate publish is a success for the
// breaker since the provider answered.
type CircuitBreaker struct {
	next interfaces.Deliverer
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewCircuitBreaker(next interfaces.Deliverer, cfg BreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	trip := uint32(cfg.TripFailures)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "delivery",
		MaxRequests: 1,
		Interval:    cfg.ResetAfter,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDuplicate)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Default().Warn("delivery circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &CircuitBreaker{next: next, cb: cb}
}

func (b *CircuitBreaker) Deliver(ctx context.Context, msg *model.PushMessage) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Deliver(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return goerr.Wrap(ErrCircuitOpen, "provider unavailable",
			goerr.V("state", b.cb.State().String()), goerr.V("msg_id", msg.IdempotencyKey()))
	}
	return err
}

// Failures returns the current consecutive failure count
func (b *CircuitBreaker) Failures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}

// Open reports whether sends currently fail fast
func (b *CircuitBreaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}
