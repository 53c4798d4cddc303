package provider

import (
	"regexp"
	"strings"

	"github.com/vocalbridge/gateway/internal/model"
)

var orderIDPattern = regexp.MustCompile(`#?(\d{3,})`)

// LastUserMessage returns the content of the last user-role message in the
// request, or "" if there isn't one.
func LastUserMessage(req model.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// IsToolResultTurn reports whether the most recent user turn is empty,
// meaning the caller is feeding back a tool result rather than asking a new
// question (spec.md §4.2: "a follow-up call whose last user message is
// empty").
func IsToolResultTurn(req model.Request) bool {
	return strings.TrimSpace(LastUserMessage(req)) == ""
}

// DetectOrderID implements the shared vendor heuristic: a user message
// containing a numeric order id triggers an InvoiceLookup tool call
// (spec.md §4.2).
func DetectOrderID(userMessage string) (orderID string, ok bool) {
	m := orderIDPattern.FindStringSubmatch(userMessage)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ToolResultSummary concatenates the tool results of the most recent message
// that carries any (a tool-result turn itself ends with an empty user turn),
// for adapters that synthesize a natural-language answer from it.
func ToolResultSummary(req model.Request) string {
	var last model.Message
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if len(req.Messages[i].ToolResults) > 0 {
			last = req.Messages[i]
			break
		}
	}
	var b strings.Builder
	for i, tr := range last.ToolResults {
		if i > 0 {
			b.WriteString(" ")
		}
		if tr.Error != "" {
			b.WriteString(tr.Error)
		} else {
			b.WriteString(tr.Content)
		}
	}
	return b.String()
}
