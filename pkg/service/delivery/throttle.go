package delivery

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"golang.org/x/time/rate"
)

// Throttled caps the rate at which pushes reach the provider. Callers block until a token is
// available or their context ends.
type Throttled struct {
	next    interfaces.Deliverer
	limiter *rate.Limiter
}

// NewThrottled allows perSecond pushes per second with a burst of the same size. A
// non-positive rate disables throttling.
func NewThrottled(next interfaces.Deliverer, perSecond int) *Throttled {
	limit := rate.Inf
	burst := 0
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = perSecond
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) Deliver(ctx context.Context, msg *model.PushMessage) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return goerr.Wrap(err, "delivery throttled", goerr.V("msg_id", msg.IdempotencyKey()))
	}
	return t.next.Deliver(ctx, msg)
}
