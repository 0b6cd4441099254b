// Package web serves the browser interface and its JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"node.town/tarjama/archive"
	"node.town/tarjama/intake"
	"node.town/tarjama/render"
	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
)

type Session interface {
	Attach(payload *transcript.AudioPayload) error
	StartRecording(ctx context.Context, language string) error
	StopRecording(ctx context.Context) error
	Transcribe(ctx context.Context, req session.Request) (*transcript.Result, error)
	Retry(ctx context.Context, req session.Request) (*transcript.Result, error)
	Reset()
	Snapshot() session.Snapshot
	Subscribe(ctx context.Context) <-chan session.Snapshot
}

type History interface {
	Recent(ctx context.Context, query string, limit int) ([]archive.Record, error)
	Get(ctx context.Context, id string) (archive.Record, error)
}

type Config struct {
	Session  Session
	History  History
	Logger   *log.Logger
	UILocale string
	Language string
	Engine   session.Engine
	MaxBytes int64
}

type Server struct {
	session  Session
	history  History
	logger   *log.Logger
	locale   string
	language string
	engine   session.Engine
	maxBytes int64
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	s := &Server{
		session:  cfg.Session,
		history:  cfg.History,
		logger:   cfg.Logger,
		locale:   cfg.UILocale,
		language: cfg.Language,
		engine:   cfg.Engine,
		maxBytes: cfg.MaxBytes,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.locale == "" {
		s.locale = "en"
	}
	if s.engine == "" {
		s.engine = session.EngineCloud
	}
	if s.maxBytes <= 0 {
		s.maxBytes = intake.DefaultMaxBytes
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/fragment/session", s.handleSessionFragment)

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", s.handleSnapshot)
		r.Post("/upload", s.handleUpload)
		r.Post("/record/start", s.handleRecordStart)
		r.Post("/record/stop", s.handleRecordStop)
		r.Post("/transcribe", s.handleTranscribe)
		r.Post("/retry", s.handleRetry)
		r.Post("/reset", s.handleReset)
		r.Get("/live", s.handleLive)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{id}", s.handleHistoryEntry)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start).Round(time.Millisecond),
		)
	})
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http", "url", fmt.Sprintf("http://localhost%s", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) labels(r *http.Request) (*render.Labels, string) {
	locale := s.locale
	if q := r.URL.Query().Get("locale"); q != "" {
		locale = q
	}
	return render.NewLabels(locale), locale
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	labels, locale := s.labels(r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := render.Page(s.session.Snapshot(), labels, locale).Render(r.Context(), w); err != nil {
		s.logger.Error("render page", "error", err)
	}
}

func (s *Server) handleSessionFragment(w http.ResponseWriter, r *http.Request) {
	labels, _ := s.labels(r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := render.SessionView(s.session.Snapshot(), labels).Render(r.Context(), w); err != nil {
		s.logger.Error("render session", "error", err)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, transcript.Errorf(transcript.KindUnsupportedFormat, "web.upload", "no file: %v", err))
		return
	}
	defer file.Close()

	payload, err := intake.FromReader(file, header.Filename, header.Header.Get("Content-Type"), s.maxBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.session.Attach(payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if err := s.session.StartRecording(r.Context(), s.languageFor(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if err := s.session.StopRecording(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) request(r *http.Request) (session.Request, error) {
	engine := s.engine
	if q := r.URL.Query().Get("engine"); q != "" {
		e, err := session.ParseEngine(q)
		if err != nil {
			return session.Request{}, err
		}
		engine = e
	}
	return session.Request{Engine: engine, Language: s.languageFor(r)}, nil
}

func (s *Server) languageFor(r *http.Request) string {
	if q := r.URL.Query().Get("lang"); q != "" {
		return q
	}
	return s.language
}

// Requests outlive the HTTP call; only Reset cancels them.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	req, err := s.request(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.session.Transcribe(context.WithoutCancel(r.Context()), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	req, err := s.request(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.session.Retry(context.WithoutCancel(r.Context()), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.session.Reset()
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleLive streams a snapshot after every session change until the
// client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The reader notices when the client closes the socket.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for snap := range s.session.Subscribe(ctx) {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			s.logger.Debug("live client gone", "error", err)
			return
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history is not configured", http.StatusNotFound)
		return
	}
	records, err := s.history.Recent(r.Context(), r.URL.Query().Get("q"), 50)
	if err != nil {
		s.logger.Error("load history", "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history is not configured", http.StatusNotFound)
		return
	}
	rec, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, archive.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Error("load history entry", "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

type errorBody struct {
	Error *session.ErrorInfo `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	info := session.NewErrorInfo(err, s.session.Snapshot().Engine)
	s.writeJSON(w, statusFor(err), errorBody{Error: info})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoPayload):
		return http.StatusBadRequest
	}

	switch transcript.KindOf(err) {
	case transcript.KindPermissionDenied:
		return http.StatusForbidden
	case transcript.KindDeviceUnavailable:
		return http.StatusServiceUnavailable
	case transcript.KindRateLimited:
		return http.StatusTooManyRequests
	case transcript.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case transcript.KindEmptyResult:
		return http.StatusUnprocessableEntity
	case transcript.KindNetworkFailure, transcript.KindAuthFailure, transcript.KindResultFormat:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
