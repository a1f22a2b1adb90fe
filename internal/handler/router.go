package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/mitalk/internal/config"
	"github.com/mitalk/internal/middleware"
	"github.com/mitalk/internal/upload"
)

// Deps wires the bridge router. Push and Transcripts are optional.
type Deps struct {
	Sessions    Sessions
	Chat        ChatService
	Backend     Backend
	Push        PushService
	Transcripts Transcripts
	Stage       *Stage
	Limits      upload.Limits

	AllowedOrigins    string
	BridgeSecret      string
	TrustedProxies    []string
	RateLimit         int
	Socket            config.SocketConfig
	DeletePlaceholder string
}

// NewRouter builds the local HTTP + websocket API the UI renders from.
func NewRouter(d Deps) http.Handler {
	authH := NewAuthHandler(d.Sessions, d.Chat)
	chatH := NewChatHandler(d.Sessions, d.Chat)
	fileH := NewFileHandler(d.Chat, d.Stage, d.Limits.MaxSize)
	wsH := NewWSHandler(d.Chat, d.AllowedOrigins, d.Socket)
	infoH := NewInfoHandler(d.Backend, d.Transcripts, d.DeletePlaceholder)
	configH := NewConfigHandler(d.Limits, d.Push)

	origins := []string{"*"}
	if o := strings.TrimSpace(d.AllowedOrigins); o != "" && o != "*" {
		origins = strings.Split(o, ",")
	}

	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	peers := middleware.NewPeers(d.TrustedProxies)
	r.Use(middleware.LocalOnly(d.BridgeSecret, peers))
	r.Use(middleware.RateLimit(d.RateLimit, peers))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Bridge-Secret"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config", configH.GetConfig)

	r.Post("/api/auth/login", authH.Login)
	r.Post("/api/auth/auto", authH.Auto)
	r.Post("/api/auth/logout", authH.Logout)

	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/start", chatH.Start)
		r.Get("/state", chatH.State)
		r.Post("/exit", chatH.Exit)
		r.Post("/messages", chatH.SendText)
		r.Put("/messages/{id}", chatH.EditMessage)
		r.Delete("/messages/{id}", chatH.DeleteMessage)
		r.Post("/files", fileH.Upload)
		r.Post("/files/{handle}/confirm", fileH.Confirm)
		r.Delete("/files/{handle}", fileH.Discard)
	})

	r.Get("/api/questions", infoH.Questions)
	r.Post("/api/reviews", infoH.PostReview)
	r.Get("/api/reviews/pending", infoH.PendingReview)
	r.Get("/api/records/{id}", infoH.Record)
	r.Get("/api/archive/{room}", infoH.Transcript)

	if d.Push != nil {
		pushH := NewPushHandler(d.Push)
		r.Get("/api/push/key", pushH.PublicKey)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	}

	r.Get("/ws", wsH.ServeWS)
	return r
}
