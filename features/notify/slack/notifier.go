// Package slack delivers approval requests to a Slack channel through an
// incoming webhook. Messages carry approve/reject buttons whose action
// values encode the approval id, so the receiving app can signal the
// execution directly.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/loomworks/loom/runtime/activities"
)

// Notifier implements activities.Notifier over a Slack incoming webhook.
type Notifier struct {
	webhookURL string
	poster     func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// Options configures the notifier.
type Options struct {
	// WebhookURL is the Slack incoming-webhook endpoint. Required.
	WebhookURL string
	// Poster overrides webhook delivery, for tests. Defaults to
	// slack.PostWebhookContext.
	Poster func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// New constructs the notifier.
func New(opts Options) (*Notifier, error) {
	if opts.WebhookURL == "" {
		return nil, errors.New("slack notifier: webhook url is required")
	}
	poster := opts.Poster
	if poster == nil {
		poster = slack.PostWebhookContext
	}
	return &Notifier{webhookURL: opts.WebhookURL, poster: poster}, nil
}

// NotifyApproval posts the approval request with approve/reject actions.
func (n *Notifier) NotifyApproval(ctx context.Context, req activities.ApprovalNotification) error {
	title := req.Title
	if title == "" {
		title = "Approval Required"
	}

	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, title, false, false))

	var lines []string
	if req.Description != "" {
		lines = append(lines, req.Description)
	}
	lines = append(lines, fmt.Sprintf("*Workflow:* %s", req.WorkflowID))
	lines = append(lines, fmt.Sprintf("*Execution:* %s", req.ExecutionID))
	if len(req.Approvers) > 0 {
		lines = append(lines, fmt.Sprintf("*Approvers:* %s", strings.Join(req.Approvers, ", ")))
	}
	if req.Context != "" {
		lines = append(lines, fmt.Sprintf(">%s", req.Context))
	}
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false),
		nil, nil)

	approve := slack.NewButtonBlockElement("approve", req.ApprovalID,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
	approve.Style = slack.StylePrimary
	reject := slack.NewButtonBlockElement("reject", req.ApprovalID,
		slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false))
	reject.Style = slack.StyleDanger
	actions := slack.NewActionBlock("approval_actions", approve, reject)

	msg := &slack.WebhookMessage{
		Text: title,
		Blocks: &slack.Blocks{
			BlockSet: []slack.Block{header, body, actions},
		},
	}
	if err := n.poster(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("slack notifier: post approval %s: %w", req.ApprovalID, err)
	}
	return nil
}
