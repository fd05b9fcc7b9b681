package interfaces

import (
	"context"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
)

// Deliverer hands one push to the delivery provider. A nil error means the provider confirmed
// acceptance of the message. ErrDuplicateDelivery means an earlier attempt was already accepted.
type Deliverer interface {
	Deliver(ctx context.Context, msg *model.PushMessage) error
}
