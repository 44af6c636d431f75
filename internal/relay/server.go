package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pagesync/internal/auth"
	"pagesync/internal/room"
)

type ServerOptions struct {
	// Secret enables room token checks when set.
	Secret     []byte
	CORSOrigin string

	// MessageRate bounds inbound messages per connection. Excess messages
	// wait rather than being dropped.
	MessageRate  rate.Limit
	MessageBurst int

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		CORSOrigin:   "*",
		MessageRate:  200,
		MessageBurst: 400,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  45 * time.Second,
		PingInterval: 15 * time.Second,
	}
}

type Server struct {
	hub      *Hub
	opts     ServerOptions
	tokens   *auth.Signer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, opts ServerOptions, logger *slog.Logger) *Server {
	defaults := DefaultServerOptions()
	if opts.MessageRate <= 0 {
		opts.MessageRate = defaults.MessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = defaults.MessageBurst
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	origin := strings.TrimSpace(opts.CORSOrigin)
	var tokens *auth.Signer
	if len(opts.Secret) > 0 {
		tokens = auth.NewSigner(opts.Secret)
	}
	return &Server{
		hub:    hub,
		opts:   opts,
		tokens: tokens,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return origin == "" || origin == "*" || r.Header.Get("Origin") == "" || r.Header.Get("Origin") == origin
			},
		},
	}
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/rooms/{room}", s.serveRoom).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", s.hub.Metrics().Handler()).Methods(http.MethodGet)
	return router
}

func (s *Server) serveRoom(w http.ResponseWriter, r *http.Request) {
	id, err := room.Parse(mux.Vars(r)["room"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ROOM", err.Error())
		return
	}
	replica := strings.TrimSpace(r.URL.Query().Get("replica"))
	if replica == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "replica is required")
		return
	}

	user := ""
	if s.tokens != nil {
		claims, err := s.tokens.VerifyRoomToken(bearerToken(r), id.Project)
		switch {
		case errors.Is(err, auth.ErrWrongProject):
			writeError(w, http.StatusForbidden, "FORBIDDEN", "token not valid for this project")
			return
		case err != nil:
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "room token required")
			return
		}
		user = claims.Sub
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", "room", id.String(), "error", err)
		return
	}
	p, err := s.hub.join(r.Context(), id, replica, user)
	if err != nil {
		s.logger.Error("join room failed", "room", id.String(), "replica", replica, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"), time.Now().Add(s.opts.WriteTimeout))
		_ = ws.Close()
		return
	}

	go s.writePump(ws, p)
	s.readPump(ws, p)
	s.hub.leave(p)
}

func (s *Server) readPump(ws *websocket.Conn, p *peer) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	limiter := rate.NewLimiter(s.opts.MessageRate, s.opts.MessageBurst)
	ws.SetReadLimit(1 << 22)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})
	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			p.close(fmt.Errorf("read: %w", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		m, err := room.Decode(payload)
		if err != nil {
			s.logger.Warn("dropping malformed room message", "room", p.room.id.String(), "replica", p.replica, "error", err)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.hub.handle(ctx, p, m); err != nil {
			s.logger.Warn("room message rejected", "room", p.room.id.String(), "replica", p.replica, "type", m.Type, "error", err)
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, p *peer) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case <-p.done:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case m := <-p.out:
			payload, err := room.Encode(m)
			if err != nil {
				s.logger.Error("encode room message", "room", p.room.id.String(), "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				p.close(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				p.close(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": message})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
