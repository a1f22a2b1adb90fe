package model

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// Sender values used on the wire and in chat records.
const (
	SenderCustomer   = "CUSTOMER"
	SenderCounsellor = "COUNSELLOR"
)

// ChatMessage is one entry of a room's message list. Deleted messages stay in
// the list with IsDeleted set and Text replaced by a placeholder.
type ChatMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	IsSelf    bool      `json:"is_self"`
	Timestamp time.Time `json:"timestamp"`
	IsDeleted bool      `json:"is_deleted,omitempty"`
	IsUpdated bool      `json:"is_updated,omitempty"`
}

// IsFile reports whether Text is the URL of an uploaded file.
func (m ChatMessage) IsFile() bool {
	if m.IsDeleted {
		return false
	}
	return IsFileURL(m.Text)
}

// IsFileURL reports whether s is an http(s) URL whose last path segment has an extension.
func IsFileURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return path.Ext(u.Path) != ""
}

// FileExt returns the lower-case extension of a file message without the dot.
func (m ChatMessage) FileExt() string {
	if !m.IsFile() {
		return ""
	}
	u, _ := url.Parse(m.Text)
	return strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
}

// AppendMessage returns a new list with m at the end.
func AppendMessage(list []ChatMessage, m ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(list), len(list)+1)
	copy(out, list)
	return append(out, m)
}

// ReplaceMessage returns a new list where the entry with m.ID is replaced by m.
// The second result is false when no entry matched; the list is then an unchanged copy.
func ReplaceMessage(list []ChatMessage, m ChatMessage) ([]ChatMessage, bool) {
	out := make([]ChatMessage, len(list))
	found := false
	for i, it := range list {
		if it.ID == m.ID {
			m.IsUpdated = true
			out[i] = m
			found = true
			continue
		}
		out[i] = it
	}
	return out, found
}

// SoftDeleteMessage returns a new list where the entry with id is marked
// deleted and its text replaced by placeholder.
func SoftDeleteMessage(list []ChatMessage, id, placeholder string) ([]ChatMessage, bool) {
	out := make([]ChatMessage, len(list))
	found := false
	for i, it := range list {
		if it.ID == id {
			it.IsDeleted = true
			it.Text = placeholder
			found = true
		}
		out[i] = it
	}
	return out, found
}
