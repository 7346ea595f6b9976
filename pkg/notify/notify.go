// Package notify sends outbound run-approval prompts to chat platforms and
// routes the resulting button clicks back into the run supervisor.
package notify

import "context"

// ApprovalRequest describes a run sitting in AWAITING_APPROVAL that needs a
// human decision before it can continue.
type ApprovalRequest struct {
	RunID    string
	TicketID string
	Harness  string
	Summary  string
}

// MessageRef identifies a posted message so it can later be updated in
// place (e.g. to show the approval outcome).
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Provider is the interface chat platforms implement to receive run
// approval prompts.
type Provider interface {
	Name() string

	// PostApprovalPrompt sends an Approve/Reject prompt for req and returns a
	// reference to the posted message.
	PostApprovalPrompt(ctx context.Context, req ApprovalRequest) (*MessageRef, error)

	// UpdateApprovalOutcome edits a previously posted prompt to show the
	// decision that was made.
	UpdateApprovalOutcome(ctx context.Context, ref MessageRef, approved bool, decidedBy string) error
}
