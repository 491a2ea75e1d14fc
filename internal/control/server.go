// Package control exposes the live session over HTTP: remote capture, the
// latest verdict, the current reference image and a websocket verdict stream.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/reid"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Status is the latest frame verdict as served on /status and /ws.
type Status struct {
	Frame        int        `json:"frame"`
	Scored       bool       `json:"scored"`
	Score        float64    `json:"score"`
	Matched      bool       `json:"matched"`
	Persons      int        `json:"persons"`
	HasReference bool       `json:"has_reference"`
	CapturedAt   *time.Time `json:"reference_captured_at,omitempty"`
	At           time.Time  `json:"at"`
}

// subscriberBuffer is how many messages a slow websocket client may lag behind
// before messages are dropped for it.
const subscriberBuffer = 16

// Server is both an HTTP handler and a pipeline observer.
type Server struct {
	store    *reid.ReferenceStore
	commands chan<- pipeline.Command
	limiter  *rate.Limiter
	log      *slog.Logger

	router     *chi.Mux
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu     sync.RWMutex
	latest Status
	subs   map[chan []byte]struct{}
}

var _ pipeline.Observer = (*Server)(nil)

// New builds the router. Capture requests are queued on commands and paced by limiter.
func New(store *reid.ReferenceStore, commands chan<- pipeline.Command, limiter *rate.Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:    store,
		commands: commands,
		limiter:  limiter,
		log:      log,
		router:   chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[chan []byte]struct{}),
	}

	s.router.Use(chiMiddleware.RequestID)
	s.router.Use(chiMiddleware.RealIP)
	s.router.Use(chiMiddleware.Recoverer)

	s.router.Post("/capture", s.handleCapture)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/reference.jpg", s.handleReference)
	s.router.Delete("/reference", s.handleClearReference)
	s.router.Get("/ws", s.handleWS)
	return s
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeSubscribers()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		respondError(w, http.StatusTooManyRequests, "capture rate limit exceeded")
		return
	}
	select {
	case s.commands <- pipeline.CommandCapture:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		respondError(w, http.StatusServiceUnavailable, "a capture is already pending")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	ref := s.store.Snapshot()
	if ref == nil {
		respondError(w, http.StatusNotFound, "no reference captured")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, ref.Image, &jpeg.Options{Quality: 90}); err != nil {
		s.log.Warn("encode reference failed", "err", err)
	}
}

// handleClearReference drops the reference; frames go back to unscored.
func (s *Server) handleClearReference(w http.ResponseWriter, r *http.Request) {
	if !s.store.HasReference() {
		respondError(w, http.StatusNotFound, "no reference captured")
		return
	}
	s.store.Clear()
	s.broadcast(s.status())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// Reader: detect client close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// OnFrame records the report as the latest status and fans it out to websocket clients.
func (s *Server) OnFrame(ctx context.Context, r *pipeline.Report) {
	st := Status{
		Frame:   r.Index,
		Scored:  r.Scored,
		Score:   r.Verdict.Score,
		Matched: r.Scored && r.Verdict.Matched,
		Persons: len(r.Annotations),
		At:      r.At,
	}
	s.mu.Lock()
	s.latest = st
	s.mu.Unlock()
	s.broadcast(s.status())
}

// OnCapture pushes the new reference state to websocket clients.
func (s *Server) OnCapture(ctx context.Context, ref *reid.Reference) {
	s.broadcast(s.status())
}

func (s *Server) status() Status {
	s.mu.RLock()
	st := s.latest
	s.mu.RUnlock()
	if ref := s.store.Snapshot(); ref != nil {
		st.HasReference = true
		t := ref.CapturedAt
		st.CapturedAt = &t
	}
	return st
}

func (s *Server) broadcast(st Status) {
	msg, err := json.Marshal(st)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default: // slow client, drop
		}
	}
}

func (s *Server) subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Server) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
