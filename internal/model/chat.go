package model

import "time"

// Question is one FAQ entry.
type Question struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Answer string `json:"answer"`
}

// Review is submitted after a counseling session.
type Review struct {
	CounsellorID string `json:"counsellor_id"`
	Star         int    `json:"star"`
	Content      string `json:"content"`
}

// ReviewState names the counsellor awaiting a review, if any.
type ReviewState struct {
	CounsellorID *string `json:"counsellor_id"`
}

// RecordDetail is the transcript of a finished room as served by the backend.
type RecordDetail struct {
	StartAt        string          `json:"start_at"`
	CustomerName   string          `json:"customer_name"`
	CounsellorName string          `json:"counsellor_name"`
	MessageRecords []MessageRecord `json:"message_records"`
}

// MessageRecord keeps every revision of a message in DataMap, oldest first.
// Each revision has "message" and "time" keys.
type MessageRecord struct {
	MessageID string              `json:"message_id"`
	Sender    string              `json:"sender"`
	IsFile    bool                `json:"is_file"`
	IsDeleted bool                `json:"is_deleted"`
	IsUpdated bool                `json:"is_updated"`
	DataMap   []map[string]string `json:"data_map"`
}

// ToChatMessage converts the latest revision; deleted records show placeholder.
func (r MessageRecord) ToChatMessage(placeholder string) ChatMessage {
	m := ChatMessage{
		ID:        r.MessageID,
		IsSelf:    r.Sender == SenderCustomer,
		IsDeleted: r.IsDeleted,
		IsUpdated: r.IsUpdated,
	}
	if len(r.DataMap) > 0 {
		last := r.DataMap[len(r.DataMap)-1]
		m.Text = last["message"]
		if ts, err := time.Parse(time.RFC3339, last["time"]); err == nil {
			m.Timestamp = ts
		}
	}
	if r.IsDeleted {
		m.Text = placeholder
	}
	return m
}

// Messages converts all records in order.
func (d RecordDetail) Messages(placeholder string) []ChatMessage {
	out := make([]ChatMessage, 0, len(d.MessageRecords))
	for _, r := range d.MessageRecords {
		out = append(out, r.ToChatMessage(placeholder))
	}
	return out
}
