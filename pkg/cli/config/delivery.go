package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/service/delivery"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Delivery holds CLI flags for the push delivery path
type Delivery struct {
	natsURL       string
	stream        string
	subjectPrefix string

	ratePerSecond  int
	maxConcurrent  int
	sendTimeout    time.Duration
	tripFailures   int
	breakerBackoff time.Duration
}

func (x *Delivery) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "nats-url",
			Usage:       "NATS server URL. Without it pushes are only logged",
			Category:    "Delivery",
			Sources:     cli.EnvVars("PUSHBLASTER_NATS_URL"),
			Destination: &x.natsURL,
		},
		&cli.StringFlag{
			Name:        "nats-stream",
			Usage:       "JetStream stream receiving push messages",
			Category:    "Delivery",
			Value:       delivery.DefaultStreamName,
			Sources:     cli.EnvVars("PUSHBLASTER_NATS_STREAM"),
			Destination: &x.stream,
		},
		&cli.StringFlag{
			Name:        "nats-subject-prefix",
			Usage:       "Subject prefix; pushes go to <prefix>.layer.<id>",
			Category:    "Delivery",
			Value:       delivery.DefaultSubjectPrefix,
			Sources:     cli.EnvVars("PUSHBLASTER_NATS_SUBJECT_PREFIX"),
			Destination: &x.subjectPrefix,
		},
		&cli.IntFlag{
			Name:        "delivery-rate",
			Usage:       "Maximum pushes per second (0 for unlimited)",
			Category:    "Delivery",
			Value:       500,
			Sources:     cli.EnvVars("PUSHBLASTER_DELIVERY_RATE"),
			Destination: &x.ratePerSecond,
		},
		&cli.IntFlag{
			Name:        "delivery-concurrency",
			Usage:       "Concurrent sends per step",
			Category:    "Delivery",
			Value:       usecase.DefaultMaxConcurrentSends,
			Sources:     cli.EnvVars("PUSHBLASTER_DELIVERY_CONCURRENCY"),
			Destination: &x.maxConcurrent,
		},
		&cli.DurationFlag{
			Name:        "delivery-timeout",
			Usage:       "Timeout of a single send",
			Category:    "Delivery",
			Value:       usecase.DefaultSendTimeout,
			Sources:     cli.EnvVars("PUSHBLASTER_DELIVERY_TIMEOUT"),
			Destination: &x.sendTimeout,
		},
		&cli.IntFlag{
			Name:        "breaker-failures",
			Usage:       "Consecutive send failures that open the circuit breaker",
			Category:    "Delivery",
			Value:       delivery.DefaultTripFailures,
			Sources:     cli.EnvVars("PUSHBLASTER_BREAKER_FAILURES"),
			Destination: &x.tripFailures,
		},
		&cli.DurationFlag{
			Name:        "breaker-backoff",
			Usage:       "How long an open circuit breaker fails fast before a trial send",
			Category:    "Delivery",
			Value:       delivery.DefaultBreakerOpenTimeout,
			Sources:     cli.EnvVars("PUSHBLASTER_BREAKER_BACKOFF"),
			Destination: &x.breakerBackoff,
		},
	}
}

func (x Delivery) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("nats", x.natsURL != ""),
		slog.String("stream", x.stream),
		slog.Int("rate", x.ratePerSecond),
		slog.Int("concurrency", x.maxConcurrent),
	)
}

// UseCaseOptions returns the executor tuning derived from the flags
func (x *Delivery) UseCaseOptions() []usecase.Option {
	return []usecase.Option{
		usecase.WithMaxConcurrentSends(x.maxConcurrent),
		usecase.WithSendTimeout(x.sendTimeout),
	}
}

// Configure builds the deliverer chain: circuit breaker, then rate limiter, then the sink. The
// returned closer drains the NATS connection.
func (x *Delivery) Configure(ctx context.Context) (interfaces.Deliverer, func(), error) {
	var sink interfaces.Deliverer
	closer := func() {}

	if x.natsURL == "" {
		logging.Default().Warn("NATS URL not configured, pushes are written to the log only")
		sink = delivery.NewLogSink()
	} else {
		js, err := delivery.ConnectJetStream(ctx, x.natsURL, x.stream, delivery.WithSubjectPrefix(x.subjectPrefix))
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to connect to NATS JetStream")
		}
		sink = js
		closer = func() {
			if err := js.Close(); err != nil {
				logging.Default().Error("failed to close NATS connection", "error", err.Error())
			}
		}
		logging.Default().Info("Publishing pushes to JetStream", "stream", x.stream, "prefix", x.subjectPrefix)
	}

	breaker := delivery.NewCircuitBreaker(
		delivery.NewThrottled(sink, x.ratePerSecond),
		delivery.BreakerConfig{TripFailures: x.tripFailures, OpenTimeout: x.breakerBackoff},
	)
	return breaker, closer, nil
}
