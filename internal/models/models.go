package models

import (
	"strings"
	"time"
)

// Passthrough correlation fields accepted on inbound requests.
const (
	FieldUnionID   = "unionid"
	FieldDueTime   = "dueTime"
	FieldDetailURL = "detailUrl"
)

// AuxiliaryKeys lists the passthrough fields in the order they are rendered.
var AuxiliaryKeys = []string{FieldUnionID, FieldDueTime, FieldDetailURL}

// OpStatus selects the read-only dedupe-check path.
const OpStatus = "status"

// NotificationRequest is the normalized form of one inbound "task completed" call.
type NotificationRequest struct {
	SourceID  string            `json:"sid"`
	Remark    string            `json:"remark"`
	Auxiliary map[string]string `json:"fields,omitempty"`
	Op        string            `json:"op,omitempty"`
}

func (r NotificationRequest) IsStatusQuery() bool {
	return strings.EqualFold(strings.TrimSpace(r.Op), OpStatus)
}

// Field returns an auxiliary field or "".
func (r NotificationRequest) Field(key string) string {
	if r.Auxiliary == nil {
		return ""
	}
	return r.Auxiliary[key]
}

// SubmissionRecord is the write-once proof that a source id was notified.
type SubmissionRecord struct {
	SourceID    string            `json:"sid"`
	Remark      string            `json:"remark"`
	Auxiliary   map[string]string `json:"fields,omitempty"`
	CompletedAt time.Time         `json:"completedAt"`
	Done        bool              `json:"done"`
}

// NewSubmissionRecord builds the finalized record for req.
func NewSubmissionRecord(req NotificationRequest, completedAt time.Time) SubmissionRecord {
	var aux map[string]string
	if len(req.Auxiliary) > 0 {
		aux = make(map[string]string, len(req.Auxiliary))
		for k, v := range req.Auxiliary {
			aux[k] = v
		}
	}
	return SubmissionRecord{
		SourceID:    req.SourceID,
		Remark:      req.Remark,
		Auxiliary:   aux,
		CompletedAt: completedAt.UTC(),
		Done:        true,
	}
}

// DeliveryOutcome is the result of one dispatch attempt. It is never persisted.
type DeliveryOutcome struct {
	Succeeded    bool
	StatusCode   int
	ResponseBody string
}

type Markdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// MarkdownMessage is the chat webhook payload.
type MarkdownMessage struct {
	MsgType  string   `json:"msgtype"`
	Markdown Markdown `json:"markdown"`
}

func NewMarkdownMessage(title, text string) MarkdownMessage {
	return MarkdownMessage{MsgType: "markdown", Markdown: Markdown{Title: title, Text: text}}
}

// ErrorResponse is the failure body. Existing carries the stored record in
// the same flat shape as a successful response.
type ErrorResponse struct {
	OK       bool                   `json:"ok"`
	Error    string                 `json:"error"`
	Message  string                 `json:"message"`
	Existing map[string]interface{} `json:"existing,omitempty"`
	Upstream string                 `json:"upstream,omitempty"`
}
