package calculation

import (
	"context"
	"errors"

	"github.com/drfirst/go-dosecalc/pkg/circuitbreaker"
)

// GuardedStore routes store calls through a circuit breaker so an
// unavailable database fails fast instead of stalling every calculation
type GuardedStore struct {
	next    Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStore wraps next with breaker
func NewGuardedStore(next Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

// BreakerConfig returns breaker settings that do not count domain outcomes
// (unknown IDs, version conflicts) as database failures
func BreakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConcurrentModification)
	}
	return cfg
}

func (g *GuardedStore) Save(ctx context.Context, agg *Aggregate) error {
	return g.breaker.Run(ctx, func() error { return g.next.Save(ctx, agg) })
}

func (g *GuardedStore) Load(ctx context.Context, id string) (*Aggregate, error) {
	v, err := g.breaker.Execute(ctx, func() (any, error) { return g.next.Load(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*Aggregate), nil
}

func (g *GuardedStore) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	v, err := g.breaker.Execute(ctx, func() (any, error) { return g.next.GetEvents(ctx, aggregateID) })
	if err != nil {
		return nil, err
	}
	return v.([]*Event), nil
}
