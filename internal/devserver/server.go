package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/mitalk/internal/api"
	"github.com/mitalk/internal/config"
	"github.com/mitalk/internal/fileserver"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/middleware"
	"github.com/mitalk/internal/model"
)

type contextKey string

const accountKey contextKey = "account"

func accountFrom(ctx context.Context) model.Account {
	acc, _ := ctx.Value(accountKey).(model.Account)
	return acc
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("devserver writeJSON: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Server is the HTTP face of the dev counseling backend.
type Server struct {
	hub    *Hub
	dir    *Directory
	files  *fileserver.Service
	socket config.SocketConfig
}

func NewServer(hub *Hub, dir *Directory, files *fileserver.Service, socketCfg config.SocketConfig) *Server {
	return &Server{hub: hub, dir: dir, files: files, socket: socketCfg}
}

// requireAuth resolves the bearer access token; 401 otherwise.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc, err := s.dir.Authenticate(bearer(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, acc)))
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Post("/auth/login", s.login)
	r.Put("/auth/reissue", s.reissue)
	r.Get("/files/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.files.Serve(w, r, chi.URLParam(r, "name"))
	})

	r.Get("/socket/counsel", s.counselSocket)
	r.Get("/rooms", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, s.hub.Rooms()) })
	r.Post("/rooms/{id}/finish", s.finishRoom)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/question", s.questions)
		r.Get("/review", s.reviewState)
		r.Post("/review", s.postReview)
		r.Get("/record", s.recordIDs)
		r.Get("/record/{id}", s.record)
		r.Post("/file", s.files.Upload)
		r.Get("/socket/chat", s.chatSocket)
	})
	return r
}

func tokenResponse(t model.Token) api.TokenResponse {
	resp := api.TokenResponse{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
	if !t.RefreshExpiresAt.IsZero() {
		resp.ExpiredAt = t.RefreshExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var cred model.Credentials
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tok, err := s.dir.Login(cred)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid id or password")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(tok))
}

func (s *Server) reissue(w http.ResponseWriter, r *http.Request) {
	tok, err := s.dir.Reissue(bearer(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "refresh token expired")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(tok))
}

func (s *Server) questions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dir.Questions())
}

func (s *Server) reviewState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dir.PendingReview(accountFrom(r.Context()).ID))
}

func (s *Server) postReview(w http.ResponseWriter, r *http.Request) {
	var rv model.Review
	if err := json.NewDecoder(r.Body).Decode(&rv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rv.Star < 1 || rv.Star > 5 {
		writeError(w, http.StatusBadRequest, "star must be between 1 and 5")
		return
	}
	if err := s.dir.AddReview(accountFrom(r.Context()).ID, rv); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordIDs(w http.ResponseWriter, r *http.Request) {
	ids := s.dir.RecordIDs(accountFrom(r.Context()).ID)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dir.Record(accountFrom(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) finishRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Finish(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// chatSocket seats or queues the customer for ?type=.
func (s *Server) chatSocket(w http.ResponseWriter, r *http.Request) {
	chatType := strings.TrimSpace(r.URL.Query().Get("type"))
	if chatType == "" {
		writeError(w, http.StatusBadRequest, "type required")
		return
	}
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver: upgrade: %v", err)
		return
	}
	acc := accountFrom(r.Context())
	c := newConn(s.hub, conn, s.socket)
	c.role = roleCustomer
	c.accountID = acc.ID
	c.chatType = chatType
	c.start()
	s.hub.Register(c)
}

// counselSocket attaches a counsellor view to ?room=.
func (s *Server) counselSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if !s.hub.HasRoom(roomID) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver: upgrade: %v", err)
		return
	}
	c := newConn(s.hub, conn, s.socket)
	c.role = roleCounsellor
	c.accountID = "counsellor@" + roomID
	c.roomID = roomID
	c.start()
	s.hub.Register(c)
}
