package gateway

import (
	"fmt"
	"strings"

	"github.com/roamhq/roamsync/internal/store"
)

// RenderMessage builds the channel message body for a record. Edits re-render
// from the record's current state, so the body must be a pure function of the
// record.
func RenderMessage(rec store.Record, ackEmoji string) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(strings.TrimSpace(rec.Title))
	b.WriteString("**\n")
	if desc := strings.TrimSpace(rec.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n")
	}
	if details := strings.TrimSpace(rec.RoamDetails); details != "" {
		b.WriteString("_")
		b.WriteString(details)
		b.WriteString("_\n")
	}
	b.WriteString("\n")
	b.WriteString("Posted by ")
	b.WriteString(strings.TrimSpace(rec.Author))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("React with %s to sign up.", ackEmoji))
	if info := strings.TrimSpace(rec.AdditionalInfo); info != "" {
		b.WriteString("\n\n**Update:** ")
		b.WriteString(info)
	}
	return b.String()
}
