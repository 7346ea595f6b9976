package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

// approvalBlocks builds the Block Kit layout for a run awaiting approval,
// with Approve/Reject buttons carrying the run id as their action value.
func approvalBlocks(req ApprovalRequest) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, "⏸️ Run awaiting approval", true, false),
	)

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Ticket:* %s", req.TicketID), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Harness:* %s", req.Harness), false, false),
	}
	section := goslack.NewSectionBlock(nil, fields, nil)

	blocks := []goslack.Block{header, section}

	if req.Summary != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncate(req.Summary, 500), false, false),
			nil, nil,
		))
	}

	approveBtn := goslack.NewButtonBlockElement("approve_run", req.RunID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "✅ Approve", true, false))
	approveBtn.Style = goslack.StylePrimary

	rejectBtn := goslack.NewButtonBlockElement("reject_run", req.RunID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "❌ Reject", true, false))
	rejectBtn.Style = goslack.StyleDanger

	blocks = append(blocks, goslack.NewActionBlock("run_approval_actions", approveBtn, rejectBtn))
	return blocks
}

func approvalOutcomeBlocks(approved bool, decidedBy string) []goslack.Block {
	text := fmt.Sprintf("❌ Rejected by <@%s>", decidedBy)
	if approved {
		text = fmt.Sprintf("✅ Approved by <@%s>", decidedBy)
	}
	return []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
