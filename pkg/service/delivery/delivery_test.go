package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/service/delivery"
)

// fakePublisher drops repeated message IDs the way a stream with a duplicate window does
type fakePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	seen map[string]uint64
	err  error
}

func (p *fakePublisher) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	id := msg.Header.Get(nats.MsgIdHdr)
	if seq, ok := p.seen[id]; ok {
		return &jetstream.PubAck{Stream: delivery.DefaultStreamName, Sequence: seq, Duplicate: true}, nil
	}
	p.msgs = append(p.msgs, msg)
	if p.seen == nil {
		p.seen = make(map[string]uint64)
	}
	p.seen[id] = uint64(len(p.msgs))
	return &jetstream.PubAck{Stream: delivery.DefaultStreamName, Sequence: uint64(len(p.msgs))}, nil
}

type countingDeliverer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *countingDeliverer) Deliver(context.Context, *model.PushMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.err
}

func (d *countingDeliverer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newMessage() *model.PushMessage {
	return &model.PushMessage{
		ExecutionID:   "exec-1",
		AutomationID:  "auto-1",
		SequenceOrder: 2,
		UserID:        types.UserID("3f2c6c1e-8a0b-4f7e-9d7a-2b1c0e5d4a10"),
		Layer:         types.LayerBehaviorResponsive,
		Title:         "Back in stock",
		Body:          "The item you viewed is available again",
	}
}

func TestJetStreamDeliver(t *testing.T) {
	t.Run("publishes JSON with the idempotency key as message ID", func(t *testing.T) {
		pub := &fakePublisher{}
		d := delivery.NewJetStream(pub)
		msg := newMessage()

		gt.NoError(t, d.Deliver(context.Background(), msg))
		gt.A(t, pub.msgs).Length(1)

		out := pub.msgs[0]
		gt.Value(t, out.Subject).Equal("push.layer.3")
		gt.Value(t, out.Header.Get(nats.MsgIdHdr)).Equal(msg.IdempotencyKey())

		var decoded model.PushMessage
		gt.NoError(t, json.Unmarshal(out.Data, &decoded))
		gt.Value(t, decoded.UserID).Equal(msg.UserID)
		gt.Value(t, decoded.SequenceOrder).Equal(2)
	})

	t.Run("custom subject prefix", func(t *testing.T) {
		pub := &fakePublisher{}
		d := delivery.NewJetStream(pub, delivery.WithSubjectPrefix("staging.push"))
		gt.NoError(t, d.Deliver(context.Background(), newMessage()))
		gt.Value(t, pub.msgs[0].Subject).Equal("staging.push.layer.3")
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("no responders")}
		d := delivery.NewJetStream(pub)
		gt.Error(t, d.Deliver(context.Background(), newMessage()))
	})

	t.Run("a repeated message ID returns ErrDuplicate", func(t *testing.T) {
		pub := &fakePublisher{}
		d := delivery.NewJetStream(pub)
		msg := newMessage()

		gt.NoError(t, d.Deliver(context.Background(), msg))
		err := d.Deliver(context.Background(), msg)
		gt.Bool(t, errors.Is(err, delivery.ErrDuplicate)).True()
		gt.Bool(t, errors.Is(err, interfaces.ErrDuplicateDelivery)).True()
		gt.A(t, pub.msgs).Length(1)

		other := newMessage()
		other.SequenceOrder = 3
		gt.NoError(t, d.Deliver(context.Background(), other))
		gt.A(t, pub.msgs).Length(2)
	})

	t.Run("close without owned connection", func(t *testing.T) {
		gt.NoError(t, delivery.NewJetStream(&fakePublisher{}).Close())
	})
}

func TestThrottled(t *testing.T) {
	t.Run("unlimited passes through", func(t *testing.T) {
		next := &countingDeliverer{}
		d := delivery.NewThrottled(next, 0)
		for range 50 {
			gt.NoError(t, d.Deliver(context.Background(), newMessage()))
		}
		gt.Value(t, next.Calls()).Equal(50)
	})

	t.Run("burst is served then the caller waits", func(t *testing.T) {
		next := &countingDeliverer{}
		d := delivery.NewThrottled(next, 2)

		gt.NoError(t, d.Deliver(context.Background(), newMessage()))
		gt.NoError(t, d.Deliver(context.Background(), newMessage()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		gt.Error(t, d.Deliver(ctx, newMessage()))
		gt.Value(t, next.Calls()).Equal(2)
	})
}

func TestCircuitBreaker(t *testing.T) {
	cfg := delivery.BreakerConfig{
		TripFailures: 3,
		OpenTimeout:  30 * time.Millisecond,
		ResetAfter:   time.Minute,
	}

	t.Run("opens after consecutive failures and fails fast", func(t *testing.T) {
		next := &countingDeliverer{err: errors.New("503")}
		b := delivery.NewCircuitBreaker(next, cfg)

		for range 3 {
			gt.Error(t, b.Deliver(context.Background(), newMessage()))
		}
		gt.Value(t, next.Calls()).Equal(3)
		gt.Bool(t, b.Open()).True()

		err := b.Deliver(context.Background(), newMessage())
		gt.Bool(t, errors.Is(err, delivery.ErrCircuitOpen)).True()
		gt.Value(t, next.Calls()).Equal(3)
	})

	t.Run("half opens after the timeout and closes on success", func(t *testing.T) {
		next := &countingDeliverer{err: errors.New("503")}
		b := delivery.NewCircuitBreaker(next, cfg)
		for range 3 {
			_ = b.Deliver(context.Background(), newMessage())
		}

		time.Sleep(50 * time.Millisecond)
		next.mu.Lock()
		next.err = nil
		next.mu.Unlock()

		gt.NoError(t, b.Deliver(context.Background(), newMessage()))
		gt.Bool(t, b.Open()).False()
		gt.Value(t, b.Failures()).Equal(0)
		gt.NoError(t, b.Deliver(context.Background(), newMessage()))
	})

	t.Run("a failed trial opens the circuit again", func(t *testing.T) {
		next := &countingDeliverer{err: errors.New("503")}
		b := delivery.NewCircuitBreaker(next, cfg)
		for range 3 {
			_ = b.Deliver(context.Background(), newMessage())
		}

		time.Sleep(50 * time.Millisecond)
		gt.Error(t, b.Deliver(context.Background(), newMessage()))
		gt.Value(t, next.Calls()).Equal(4)
		gt.Bool(t, errors.Is(b.Deliver(context.Background(), newMessage()), delivery.ErrCircuitOpen)).True()
	})

	t.Run("a success resets the consecutive count", func(t *testing.T) {
		next := &countingDeliverer{err: errors.New("503")}
		b := delivery.NewCircuitBreaker(next, cfg)
		_ = b.Deliver(context.Background(), newMessage())
		_ = b.Deliver(context.Background(), newMessage())
		gt.Value(t, b.Failures()).Equal(2)

		next.mu.Lock()
		next.err = nil
		next.mu.Unlock()
		gt.NoError(t, b.Deliver(context.Background(), newMessage()))
		gt.Value(t, b.Failures()).Equal(0)
	})

	t.Run("duplicates do not count as failures", func(t *testing.T) {
		next := &countingDeliverer{err: delivery.ErrDuplicate}
		b := delivery.NewCircuitBreaker(next, cfg)
		for range 5 {
			err := b.Deliver(context.Background(), newMessage())
			gt.Bool(t, errors.Is(err, delivery.ErrDuplicate)).True()
		}
		gt.Bool(t, b.Open()).False()
		gt.Value(t, next.Calls()).Equal(5)
	})
}

func TestLogSink(t *testing.T) {
	gt.NoError(t, delivery.NewLogSink().Deliver(context.Background(), newMessage()))
}
