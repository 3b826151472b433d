package relay

import (
	"strings"
	"time"

	"taskrelay/internal/models"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// BuildMessage renders the markdown notification for req.
func BuildMessage(title string, req models.NotificationRequest, at time.Time) models.MarkdownMessage {
	var b strings.Builder
	b.WriteString("✅ **" + title + "**\n")
	b.WriteString("- sid: " + req.SourceID + "\n")
	b.WriteString("- 备注: " + req.Remark + "\n")
	b.WriteString("- 时间: " + at.UTC().Format(isoMillis))
	if v := req.Field(models.FieldUnionID); v != "" {
		b.WriteString("\n- 用户: " + v)
	}
	if v := req.Field(models.FieldDueTime); v != "" {
		b.WriteString("\n- 截止: " + v)
	}
	if v := req.Field(models.FieldDetailURL); v != "" {
		b.WriteString("\n- 详情: [查看](" + v + ")")
	}
	return models.NewMarkdownMessage(title, b.String())
}
