package alert

import (
	"fmt"

	"possync/internal/decision"
	"possync/internal/gateway/notifier"
	"possync/internal/pkg/text"
)

// Telegram rejects messages over 4096 chars.
const maxReasonLen = 1024

func icon(u decision.Urgency) string {
	switch u {
	case decision.UrgencyImmediate:
		return "🚨"
	case decision.UrgencyHigh:
		return "⚠️"
	case decision.UrgencyMedium, decision.UrgencyNormal:
		return "🔔"
	default:
		return "ℹ️"
	}
}

// Render formats an alert for a text channel.
func Render(a Alert) string {
	msg := notifier.StructuredMessage{
		Icon:  icon(a.Urgency),
		Title: fmt.Sprintf("%s %s [%s]", a.Action, a.Symbol, a.Urgency),
		Sections: []notifier.MessageSection{
			{Title: "Reason", Lines: []string{text.Truncate(a.Reason, maxReasonLen)}},
			{Title: "Position", Lines: []string{
				"contract " + a.ContractID,
				fmt.Sprintf("qty %.0f @ %.2f", a.Quantity, a.MarketPrice),
				fmt.Sprintf("unrealized %.2f", a.UnrealizedPnL),
			}},
		},
		Timestamp: a.CreatedAt,
	}
	if a.Rule != "" {
		msg.Footer = "rule " + a.Rule
	}
	return msg.RenderMarkdown()
}
