package alert

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/slack-go/slack"
)

// maxTextBytes keeps section text under Slack's 3000 character block limit
const maxTextBytes = 2900

// poster is the subset of *slack.Client used for alerts
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts critical safeguard violations to a channel
type Slack struct {
	api     poster
	channel string
	mention string
}

type Option func(*Slack)

// WithMention prefixes every alert, e.g. "<!here>" or "<@U012345>"
func WithMention(mention string) Option {
	return func(s *Slack) {
		s.mention = mention
	}
}

// WithPoster replaces the Slack API client. For tests.
func WithPoster(p poster) Option {
	return func(s *Slack) {
		s.api = p
	}
}

// New creates a Slack alerter with a bot token and a target channel ID
func New(token, channel string, opts ...Option) (*Slack, error) {
	if token == "" {
		return nil, goerr.New("Slack bot token is required")
	}
	if channel == "" {
		return nil, goerr.New("Slack alert channel is required")
	}

	s := &Slack{api: slack.New(token), channel: channel}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Slack) Alert(ctx context.Context, v *model.SafeguardViolation) error {
	fallback := fmt.Sprintf("[%s] %s safeguard violation on %s: %s", v.Severity, v.Type, v.AutomationID, v.Message)
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(s.Blocks(v)...),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to post violation alert",
			goerr.V("channel", s.channel), goerr.V("violation_id", v.ID))
	}
	return nil
}

// Blocks renders the Block Kit message for a violation
func (s *Slack) Blocks(v *model.SafeguardViolation) []slack.Block {
	title := fmt.Sprintf(":rotating_light: *%s safeguard violation*", v.Severity)
	if s.mention != "" {
		title = s.mention + " " + title
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Type*\n"+string(v.Type), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Automation*\n`"+string(v.AutomationID)+"`", false, false),
	}
	if v.ExecutionID != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Execution*\n`"+string(v.ExecutionID)+"`", false, false))
	}
	fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*At*\n"+v.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"), false, false))

	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, title, false, false), nil, nil),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, truncateToMaxBytes(v.Message, maxTextBytes), false, false), fields, nil),
		slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, "violation `"+string(v.ID)+"`", false, false)),
	}
}

// truncateToMaxBytes cuts s to at most n bytes without splitting a UTF-8 sequence
func truncateToMaxBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
