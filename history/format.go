package history

import "strings"

// FormatForPlanning renders a lightweight "User / Assistant summary"
// transcript used in the Understand, Plan and Answer phases, where the
// full answer text would be wasted tokens.
func FormatForPlanning(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("User: ")
		b.WriteString(m.Query)
		b.WriteString("\nAssistant: ")
		b.WriteString(m.Summary)
	}
	return b.String()
}

// FormatForAnswer renders the full "User / Assistant answer" transcript,
// showing exactly what the assistant previously told the user. The
// orchestrator's phases do not use it.
func FormatForAnswer(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("User: ")
		b.WriteString(m.Query)
		b.WriteString("\nAssistant: ")
		b.WriteString(m.Answer)
	}
	return b.String()
}
