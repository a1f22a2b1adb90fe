package chat

import (
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/socket"
)

// Phase is where the session is in its lifecycle. Closed is terminal for a room.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseInQueue
	PhaseActive
	PhaseClosed
)

var phaseNames = [...]string{"idle", "connecting", "in_queue", "active", "closed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// MarshalText renders the phase by name for the UI. Phases are never decoded.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// SessionState is replaced wholesale on every transition. Slices are never
// mutated in place, so a snapshot stays valid after later transitions.
type SessionState struct {
	Phase             Phase               `json:"phase"`
	CounselorName     string              `json:"counselor_name"`
	AccessToken       string              `json:"-"`
	RemainingPeople   string              `json:"remaining_people"`
	RoomID            string              `json:"room_id"`
	Socket            socket.Sender       `json:"-"`
	Messages          []model.ChatMessage `json:"messages"`
	Uploads           []model.UploadEntry `json:"uploads"`
	CallInProgress    bool                `json:"call_in_progress"`
	WaitingRoomActive bool                `json:"waiting_room_active"`
	ChatType          string              `json:"chat_type"`
}

// Connected reports whether a socket is attached.
func (s SessionState) Connected() bool {
	return s.Socket != nil
}

// finished returns s moved to Closed with both lists cleared.
func finished(s SessionState) SessionState {
	s.Phase = PhaseClosed
	s.Messages = []model.ChatMessage{}
	s.Uploads = []model.UploadEntry{}
	s.CallInProgress = false
	s.WaitingRoomActive = false
	s.RemainingPeople = ""
	s.Socket = nil
	return s
}

func removeUpload(list []model.UploadEntry, id string) []model.UploadEntry {
	out := make([]model.UploadEntry, 0, len(list))
	for _, u := range list {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out
}

func appendUpload(list []model.UploadEntry, u model.UploadEntry) []model.UploadEntry {
	out := make([]model.UploadEntry, len(list), len(list)+1)
	copy(out, list)
	return append(out, u)
}
