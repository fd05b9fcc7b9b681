package config

import (
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/service/alert"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Alert holds CLI flags for critical violation alerts
type Alert struct {
	slackBotToken string
	slackChannel  string
	slackMention  string
}

func (x *Alert) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "slack-bot-token",
			Usage:       "Slack Bot User OAuth Token for safeguard alerts",
			Category:    "Alert",
			Sources:     cli.EnvVars("PUSHBLASTER_SLACK_BOT_TOKEN"),
			Destination: &x.slackBotToken,
		},
		&cli.StringFlag{
			Name:        "slack-alert-channel",
			Usage:       "Slack channel ID receiving critical safeguard violations",
			Category:    "Alert",
			Sources:     cli.EnvVars("PUSHBLASTER_SLACK_ALERT_CHANNEL"),
			Destination: &x.slackChannel,
		},
		&cli.StringFlag{
			Name:        "slack-alert-mention",
			Usage:       "Mention prepended to alerts, e.g. <!subteam^S123>",
			Category:    "Alert",
			Sources:     cli.EnvVars("PUSHBLASTER_SLACK_ALERT_MENTION"),
			Destination: &x.slackMention,
		},
	}
}

func (x Alert) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("bot-token.len", len(x.slackBotToken)),
		slog.String("channel", x.slackChannel),
	)
}

// Configure returns the Slack alerter, or one that only logs when Slack is not configured
func (x *Alert) Configure() (interfaces.Alerter, error) {
	if x.slackBotToken == "" && x.slackChannel == "" {
		logging.Default().Info("Slack alerts not configured, critical violations are only logged")
		return alert.Log{}, nil
	}

	var opts []alert.Option
	if x.slackMention != "" {
		opts = append(opts, alert.WithMention(x.slackMention))
	}
	a, err := alert.New(x.slackBotToken, x.slackChannel, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to configure Slack alerts")
	}
	logging.Default().Info("Slack alerts enabled", "channel", x.slackChannel)
	return a, nil
}
