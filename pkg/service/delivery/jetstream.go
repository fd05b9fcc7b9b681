package delivery

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// ErrDuplicate is returned when the stream already holds a message with the same ID
var ErrDuplicate = interfaces.ErrDuplicateDelivery

const (
	DefaultStreamName    = "PUSH_DELIVERY"
	DefaultSubjectPrefix = "push"
	// DefaultDuplicateWindow bounds how long the stream remembers message IDs
	DefaultDuplicateWindow = 24 * time.Hour
)

// Publisher is the part of jetstream.JetStream the deliverer needs
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStream publishes each push as a JSON message to a JetStream subject per layer. The
// message ID is the push idempotency key, so redelivery of the same recipient of the same
// step is dropped by the stream.
type JetStream struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

type JetStreamOption func(*JetStream)

func WithSubjectPrefix(prefix string) JetStreamOption {
	return func(j *JetStream) {
		j.prefix = prefix
	}
}

// NewJetStream wraps an existing publisher. Used directly by tests.
func NewJetStream(pub Publisher, opts ...JetStreamOption) *JetStream {
	j := &JetStream{pub: pub, prefix: DefaultSubjectPrefix}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ConnectJetStream dials NATS, makes sure the delivery stream exists and returns a deliverer
// publishing into it
func ConnectJetStream(ctx context.Context, url, stream string, opts ...JetStreamOption) (*JetStream, error) {
	if stream == "" {
		stream = DefaultStreamName
	}

	nc, err := nats.Connect(url,
		nats.Name("pushblaster"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Default().Warn("NATS disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Default().Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to NATS", goerr.V("url", url))
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, goerr.Wrap(err, "failed to create JetStream context")
	}

	j := NewJetStream(js, opts...)
	j.conn = nc

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        stream,
		Description: "push notifications handed to the delivery provider",
		Subjects:    []string{j.prefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  DefaultDuplicateWindow,
		MaxAge:      7 * 24 * time.Hour,
	}); err != nil {
		nc.Close()
		return nil, goerr.Wrap(err, "failed to create or update stream", goerr.V("stream", stream))
	}

	logging.Default().Info("JetStream deliverer ready", "stream", stream, "subject_prefix", j.prefix)
	return j, nil
}

// Subject returns the subject a message for layer is published to
func (j *JetStream) Subject(msg *model.PushMessage) string {
	return j.prefix + ".layer." + strconv.Itoa(int(msg.Layer))
}

func (j *JetStream) Deliver(ctx context.Context, msg *model.PushMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal push message")
	}

	out := nats.NewMsg(j.Subject(msg))
	out.Data = data
	out.Header.Set(nats.MsgIdHdr, msg.IdempotencyKey())

	ack, err := j.pub.PublishMsg(ctx, out)
	if err != nil {
		return goerr.Wrap(err, "failed to publish push message",
			goerr.V("subject", out.Subject), goerr.V("msg_id", msg.IdempotencyKey()))
	}
	if ack != nil && ack.Duplicate {
		logging.From(ctx).Debug("duplicate push dropped by stream", "msg_id", msg.IdempotencyKey())
		return goerr.Wrap(ErrDuplicate, "push already published",
			goerr.V("stream", ack.Stream), goerr.V("sequence", ack.Sequence), goerr.V("msg_id", msg.IdempotencyKey()))
	}
	return nil
}

// Close drains the connection when the deliverer owns one
func (j *JetStream) Close() error {
	if j.conn == nil {
		return nil
	}
	if err := j.conn.Drain(); err != nil {
		return goerr.Wrap(err, "failed to drain NATS connection")
	}
	return nil
}
