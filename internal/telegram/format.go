package telegram

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/flowmesh/internal/sink"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

// chunkMessage splits text into pieces within Telegram's message size limit,
// preferring newline boundaries.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

func statusLabel(st workflow.Status, cancelled bool) string {
	if cancelled {
		return "cancelled"
	}
	return strings.ReplaceAll(string(st), "_", " ")
}

func formatEvent(ev sink.Event) string {
	name := ev.WorkflowName
	if name == "" {
		name = ev.WorkflowID
	}
	return fmt.Sprintf("Workflow %q %s\nid: %s", name, statusLabel(ev.WorkflowStatus, ev.Cancelled), ev.WorkflowID)
}

func formatView(v workflow.View) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", v.Name, statusLabel(v.Status, v.Cancelled))
	fmt.Fprintf(&sb, "%d tasks, %d succeeded, %d failed, %d skipped\n",
		v.Counts.Total, v.Counts.Succeeded, v.Counts.Failed, v.Counts.Skipped)
	for _, id := range v.Order {
		t := v.Tasks[id]
		fmt.Fprintf(&sb, "- %s [%s]", id, t.Status)
		if t.Error != nil {
			fmt.Fprintf(&sb, " %s", t.Error.Kind)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatList(list []workflow.Summary, limit int) string {
	if len(list) == 0 {
		return "No workflows."
	}
	var sb strings.Builder
	for i, s := range list {
		if i == limit {
			fmt.Fprintf(&sb, "... and %d more", len(list)-limit)
			break
		}
		fmt.Fprintf(&sb, "%s  %s  %s\n", s.ID, s.Name, s.Status)
	}
	return strings.TrimRight(sb.String(), "\n")
}
