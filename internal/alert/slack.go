package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/opswarden/opswarden/internal/config"
)

// SlackSender posts alerts to a Slack incoming webhook as Block Kit
// messages.
type SlackSender struct {
	poster  *poster
	channel string
}

// NewSlackSender creates a new Slack alert sender.
func NewSlackSender(cfg config.SlackAlertConfig) *SlackSender {
	return &SlackSender{
		poster:  newPoster(cfg.WebhookURL),
		channel: cfg.Channel,
	}
}

func (s *SlackSender) Name() string { return "slack" }

// Send posts an alert to Slack. Slack answers 200 with a plain "ok"
// body; anything else is a delivery failure.
func (s *SlackSender) Send(ctx context.Context, a Alert) error {
	return s.poster.postJSON(ctx, slackMessage(s.channel, a), nil)
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackPayload struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"` // notification fallback
	Blocks  []slackBlock `json:"blocks"`
}

func slackMessage(channel string, a Alert) slackPayload {
	headline := fmt.Sprintf("%s %s", severityMarker(a.Severity), a.Title)

	fields := []slackText{
		mrkdwn("*Type*\n" + a.Type),
		mrkdwn("*Severity*\n" + strings.ToUpper(orDefault(a.Severity, "info"))),
	}
	if a.Action != "" {
		fields = append(fields, mrkdwn("*Action*\n`"+a.Action+"`"))
	}
	if a.ProposalID != "" {
		fields = append(fields, mrkdwn("*Proposal*\n`"+a.ProposalID+"`"))
	}
	for _, key := range []string{"cancelled", "source", "approver_needed"} {
		if v, ok := a.Details[key]; ok {
			fields = append(fields, mrkdwn(fmt.Sprintf("*%s*\n%v", key, v)))
		}
	}

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: truncateRunes(headline, 150)}},
	}
	if a.Message != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: ptr(mrkdwn(truncateRunes(a.Message, 3000)))})
	}
	// Slack caps a section at ten fields.
	if len(fields) > 10 {
		fields = fields[:10]
	}
	blocks = append(blocks,
		slackBlock{Type: "section", Fields: fields},
		slackBlock{Type: "section", Text: ptr(mrkdwn(fmt.Sprintf("_opswarden, %s_", a.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))))},
	)

	return slackPayload{
		Channel: channel,
		Text:    headline + ": " + a.Message,
		Blocks:  blocks,
	}
}

func mrkdwn(s string) slackText { return slackText{Type: "mrkdwn", Text: s} }

func ptr[T any](v T) *T { return &v }

func severityMarker(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "warning":
		return "🟡"
	default:
		return "🔵"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
