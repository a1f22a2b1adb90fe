package handler

import (
	"context"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/mitalk/internal/chat"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/repository"
	"github.com/mitalk/internal/upload"
)

// Sessions is the login state. Implemented by *auth.Manager.
type Sessions interface {
	Login(ctx context.Context, cred model.Credentials) error
	AutoLogin(ctx context.Context) error
	Logout(ctx context.Context) error
	AccessToken(ctx context.Context) (string, error)
}

// ChatService is the chat screen. Implemented by *chat.Controller.
type ChatService interface {
	State() chat.SessionState
	Watch(ctx context.Context) <-chan chat.SessionState
	Effects(ctx context.Context) <-chan chat.Effect
	Start(ctx context.Context, chatType string) error
	ExitRoom() error
	SendText(text string) error
	SendEdit(messageID, text string) error
	SendDelete(messageID string) error
	PostFile(ctx context.Context, ref upload.FileRef, approve bool) (string, error)
	RejectFile(ref upload.FileRef, cause error)
	SetAccessToken(token string)
	LoadChatInfo(ctx context.Context) (model.ChatInfo, error)
}

// Backend is the part of the remote API the screens call directly. Implemented by *api.Client.
type Backend interface {
	Questions(ctx context.Context) ([]model.Question, error)
	PostReview(ctx context.Context, r model.Review) error
	ReviewState(ctx context.Context) (model.ReviewState, error)
	Record(ctx context.Context, id string) (model.RecordDetail, error)
}

// PushService manages browser subscriptions. Implemented by *push.Notifier.
type PushService interface {
	PublicKey() string
	Subscribe(ctx context.Context, sub webpush.Subscription) error
	Unsubscribe(ctx context.Context, endpoint string) error
}

// Transcripts reads archived rooms. Implemented by *repository.Archive.
type Transcripts interface {
	Transcript(ctx context.Context, roomID string) (*repository.Room, []model.ChatMessage, error)
}
