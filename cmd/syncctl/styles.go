package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/danmuck/wsync/internal/protocol"
)

var (
	kindStyles = map[protocol.Kind]lipgloss.Style{
		protocol.KindInit:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		protocol.KindOp:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		protocol.KindError: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const maxValueWidth = 120

func renderMessage(msg protocol.Message) string {
	label := fmt.Sprintf("%-5s", msg.Type)
	if style, ok := kindStyles[msg.Type]; ok {
		label = style.Render(label)
	}

	switch msg.Type {
	case protocol.KindInit:
		return fmt.Sprintf("%s %s", label, dimStyle.Render(fmt.Sprintf("%d keys", len(msg.Data))))
	case protocol.KindOp:
		if msg.Payload == nil {
			return fmt.Sprintf("%s %s", label, dimStyle.Render("(no payload)"))
		}
		value := strings.TrimSpace(string(msg.Payload.Value))
		return fmt.Sprintf("%s %s = %s %s",
			label,
			keyStyle.Render(msg.Payload.Key),
			valueStyle.Render(protocol.Truncate(value, maxValueWidth)),
			dimStyle.Render(fmt.Sprintf("@%d", msg.Payload.Timestamp)),
		)
	default:
		return fmt.Sprintf("%s %s", label, msg.Text)
	}
}
