package protocol

import (
	"fmt"
	"strings"
)

// Injected prompts are deterministic plain text. Urgent tasks lead with an
// imperative line because box-framed text tends to be read as context
// rather than as an actionable request.

const envelopeRule = "----------------------------------------------"

// FormatOrientation builds the one-time prompt injected into a newly
// registered session. It states the assigned agent id and the minimal
// protocol for replying through the hub.
func FormatOrientation(agentID, directory string, otherAgents []string) string {
	var b strings.Builder
	b.WriteString(envelopeRule + "\n")
	b.WriteString("AGENT HUB - CONNECTED\n")
	b.WriteString(envelopeRule + "\n")
	fmt.Fprintf(&b, "You are: %s\n", agentID)
	if directory != "" {
		fmt.Fprintf(&b, "Project: %s\n", directory)
	}
	if len(otherAgents) > 0 {
		shown := otherAgents
		extra := 0
		if len(shown) > 8 {
			extra = len(shown) - 8
			shown = shown[:8]
		}
		fmt.Fprintf(&b, "Other agents: %s", strings.Join(shown, ", "))
		if extra > 0 {
			fmt.Fprintf(&b, " (+%d more)", extra)
		}
		b.WriteString("\n")
	}
	b.WriteString(envelopeRule + "\n")
	b.WriteString("Message types: task, question, context, completion, error.\n")
	b.WriteString("Send only when work affects another agent, you are blocked,\n")
	b.WriteString("you completed a requested task, or you hit a critical error.\n")
	b.WriteString("Do not send progress updates or acknowledgments.\n")
	b.WriteString("Keep messages to 1-2 sentences.\n")
	b.WriteString("Use the agent-hub tools: send_message, sync, get_hub_status.\n")
	b.WriteString(envelopeRule)
	return b.String()
}

// FormatNotification wraps a hub message in the prompt injected into the
// recipient's session, including reply instructions so agents need no
// prior knowledge of the hub protocol.
func FormatNotification(m *Message, toAgentID string) string {
	if m.Type == TypeTask && m.Priority == PriorityUrgent {
		return formatUrgentTask(m, toAgentID)
	}

	var b strings.Builder
	b.WriteString(envelopeRule + "\n")
	b.WriteString("AGENT HUB MESSAGE\n")
	b.WriteString(envelopeRule + "\n")
	fmt.Fprintf(&b, "FROM: %s\n", m.From)
	fmt.Fprintf(&b, "TYPE: %s", m.Type)
	if marker := priorityMarker(m.Priority); marker != "" {
		b.WriteString(" " + marker)
	}
	b.WriteString("\n")
	if m.ThreadID != "" {
		fmt.Fprintf(&b, "THREAD: %s\n", m.ThreadID)
	}
	b.WriteString(envelopeRule + "\n")
	b.WriteString(m.Content + "\n")
	writeReplyInstructions(&b, m, toAgentID)
	return b.String()
}

func formatUrgentTask(m *Message, toAgentID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URGENT FROM %s: %s\n\n", m.From, m.Content)
	b.WriteString("^^^ ACT ON THIS IMMEDIATELY. Do not wait for user input. ^^^\n")
	writeReplyInstructions(&b, m, toAgentID)
	return b.String()
}

func writeReplyInstructions(b *strings.Builder, m *Message, toAgentID string) {
	b.WriteString(envelopeRule + "\n")
	b.WriteString("RESPOND using agent-hub send_message:\n")
	fmt.Fprintf(b, "  from: %q\n", toAgentID)
	fmt.Fprintf(b, "  to: %q\n", m.From)
	if m.ThreadID != "" {
		fmt.Fprintf(b, "  threadId: %q\n", m.ThreadID)
	}
	b.WriteString("  type: \"completion\" | \"context\" | \"question\" | \"error\"\n")
	b.WriteString("  content: <your response>\n")
	b.WriteString("To resolve the thread, include the token RESOLVED in content.\n")
	b.WriteString(envelopeRule)
}

func priorityMarker(p Priority) string {
	switch p {
	case PriorityUrgent:
		return "[URGENT]"
	case PriorityHigh:
		return "[HIGH]"
	case PriorityLow:
		return "[LOW]"
	default:
		return ""
	}
}
