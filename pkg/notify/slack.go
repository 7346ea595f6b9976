package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/wisbric/nightowl/internal/telemetry"
)

// SlackProvider implements Provider against a Slack bot token. If botToken
// is empty the provider is a noop (logging only), so the rest of the
// factory runs without Slack configured.
type SlackProvider struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackProvider creates a Slack-backed Provider for channel using botToken.
func NewSlackProvider(botToken, channel string, logger *slog.Logger) *SlackProvider {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackProvider{client: client, channel: channel, logger: logger}
}

func (p *SlackProvider) Name() string { return "slack" }

func (p *SlackProvider) enabled() bool { return p.client != nil && p.channel != "" }

func (p *SlackProvider) PostApprovalPrompt(ctx context.Context, req ApprovalRequest) (*MessageRef, error) {
	if !p.enabled() {
		p.logger.Debug("slack provider disabled, skipping approval prompt", "run_id", req.RunID)
		return nil, nil
	}

	blocks := approvalBlocks(req)
	channelID, ts, err := p.client.PostMessageContext(ctx, p.channel,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("Run %s awaiting approval", req.RunID), false),
	)
	if err != nil {
		return nil, fmt.Errorf("posting approval prompt: %w", err)
	}

	telemetry.NotificationsTotal.WithLabelValues("slack", "approval_prompt").Inc()
	return &MessageRef{ChannelID: channelID, MessageID: ts}, nil
}

func (p *SlackProvider) UpdateApprovalOutcome(ctx context.Context, ref MessageRef, approved bool, decidedBy string) error {
	if !p.enabled() {
		return nil
	}

	blocks := approvalOutcomeBlocks(approved, decidedBy)
	text := "Run rejected"
	if approved {
		text = "Run approved"
	}
	_, _, _, err := p.client.UpdateMessageContext(ctx, ref.ChannelID, ref.MessageID,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("updating approval message: %w", err)
	}
	telemetry.NotificationsTotal.WithLabelValues("slack", "approval_outcome").Inc()
	return nil
}
