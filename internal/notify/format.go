package notify

import (
	"strconv"
	"strings"

	"github.com/zulandar/stageline/internal/models"
)

// Sidebar colors by priority.
const (
	ColorLow    = "#2196f3"
	ColorMedium = "#36a64f"
	ColorHigh   = "#ff9800"
	ColorUrgent = "#e53935"
)

// Field is a short labelled value shown beside a formatted notification.
type Field struct {
	Name  string
	Value string
}

// Formatted is a notification rendered for chat.
type Formatted struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

func priorityColor(p string) string {
	switch Priority(p) {
	case PriorityMedium:
		return ColorMedium
	case PriorityHigh:
		return ColorHigh
	case PriorityUrgent:
		return ColorUrgent
	default:
		return ColorLow
	}
}

// Format renders n for chat sinks.
func Format(n *models.Notification) Formatted {
	f := Formatted{
		Title: n.Title,
		Body:  n.Message,
		Color: priorityColor(n.Priority),
	}
	f.Fields = append(f.Fields, Field{Name: "Type", Value: strings.ReplaceAll(n.Type, "_", " ")})
	if n.ProjectID != nil {
		f.Fields = append(f.Fields, Field{Name: "Project", Value: *n.ProjectID})
	}
	if n.Metadata.ErrorDetails != "" {
		f.Fields = append(f.Fields, Field{Name: "Error", Value: n.Metadata.ErrorDetails})
	}
	if n.Metadata.SuggestedFix != "" {
		f.Fields = append(f.Fields, Field{Name: "Suggested fix", Value: n.Metadata.SuggestedFix})
	}
	if n.Action != nil && n.Action.Label != "" {
		f.Fields = append(f.Fields, Field{Name: "Action", Value: n.Action.Label})
	}
	return f
}

// parseHexColor converts "#rrggbb" to an int, or 0 when malformed.
func parseHexColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}
