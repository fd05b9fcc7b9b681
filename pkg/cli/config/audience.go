package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/service/audience"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Audience holds CLI flags for the audience sources
type Audience struct {
	scriptDir     string
	interpreter   string
	scriptTimeout time.Duration
	gcsBucket     string
	enableGCS     bool
	ttl           time.Duration
}

func (x *Audience) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "audience-script-dir",
			Usage:       "Directory holding audience generator scripts",
			Category:    "Audience",
			Sources:     cli.EnvVars("PUSHBLASTER_AUDIENCE_SCRIPT_DIR"),
			Destination: &x.scriptDir,
		},
		&cli.StringFlag{
			Name:        "audience-interpreter",
			Usage:       "Interpreter running audience scripts",
			Category:    "Audience",
			Value:       audience.DefaultInterpreter,
			Sources:     cli.EnvVars("PUSHBLASTER_AUDIENCE_INTERPRETER"),
			Destination: &x.interpreter,
		},
		&cli.DurationFlag{
			Name:        "audience-script-timeout",
			Usage:       "Maximum run time of an audience script",
			Category:    "Audience",
			Value:       audience.DefaultScriptTimeout,
			Sources:     cli.EnvVars("PUSHBLASTER_AUDIENCE_SCRIPT_TIMEOUT"),
			Destination: &x.scriptTimeout,
		},
		&cli.BoolFlag{
			Name:        "audience-gcs",
			Usage:       "Enable audiences read from CSV objects in Cloud Storage",
			Category:    "Audience",
			Sources:     cli.EnvVars("PUSHBLASTER_AUDIENCE_GCS"),
			Destination: &x.enableGCS,
		},
		&cli.StringFlag{
			Name:        "audience-gcs-bucket",
			Usage:       "Default bucket for audience objects given without gs://",
			Category:    "Audience",
			Sources:     cli.EnvVars("PUSHBLASTER_AUDIENCE_GCS_BUCKET"),
			Destination: &x.gcsBucket,
		},
		&cli.DurationFlag{
			Name:        "audience-ttl",
			Usage:       "How long a generated audience can be reused",
			Category:    "Audience",
			Value:       usecase.DefaultAudienceTTL,
			Sources:     cli.EnvVars("PUSHBLASTER_AUDIENCE_TTL"),
			Destination: &x.ttl,
		},
	}
}

func (x Audience) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("script_dir", x.scriptDir),
		slog.Bool("gcs", x.enableGCS),
		slog.String("gcs_bucket", x.gcsBucket),
	)
}

// UseCaseOptions returns the audience tuning derived from the flags
func (x *Audience) UseCaseOptions() []usecase.Option {
	return []usecase.Option{usecase.WithAudienceTTL(x.ttl)}
}

// Configure builds the source router. The static source is always available; script and GCS
// sources are registered when configured. The returned closer releases the storage client.
func (x *Audience) Configure(ctx context.Context) (*audience.Router, func(), error) {
	router := audience.NewRouter()
	closer := func() {}

	if x.scriptDir != "" {
		router.Register(audience.SourceScript, audience.NewScript(x.scriptDir,
			audience.WithInterpreter(x.interpreter),
			audience.WithScriptTimeout(x.scriptTimeout),
		))
		logging.Default().Info("Script audiences enabled", "dir", x.scriptDir)
	}

	if x.enableGCS || x.gcsBucket != "" {
		gcs, err := audience.NewGCS(ctx, x.gcsBucket)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create storage client")
		}
		router.Register(audience.SourceGCS, gcs)
		closer = func() {
			if err := gcs.Close(); err != nil {
				logging.Default().Error("failed to close storage client", "error", err.Error())
			}
		}
		logging.Default().Info("GCS audiences enabled", "bucket", x.gcsBucket)
	}

	return router, closer, nil
}
