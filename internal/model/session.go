package model

import "time"

// Token is the credential pair issued by the auth endpoint.
// RefreshExpiresAt is kept at second granularity.
type Token struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"expired_at"`
}

// Empty reports whether no token has been stored.
func (t Token) Empty() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

// Expired reports whether the refresh token is past its expiry at now.
// A zero expiry counts as expired.
func (t Token) Expired(now time.Time) bool {
	if t.RefreshExpiresAt.IsZero() {
		return true
	}
	return !now.Truncate(time.Second).Before(t.RefreshExpiresAt.Truncate(time.Second))
}

// ChatInfo remembers the last chat the user opened.
type ChatInfo struct {
	ChatType string `json:"chat_type"`
	RoomID   string `json:"room_id"`
}

// UploadEntry is a file whose transfer has not finished yet.
type UploadEntry struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}
