// Package server exposes the chat service over HTTP.
//
// Information Hiding:
// - Route table and JSON wire formats
// - SSE framing for streamed replies
// - How session IDs are issued and echoed back to clients

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/richinex/chatcore/chat"
	"github.com/richinex/chatcore/history"
	"github.com/richinex/chatcore/session"
)

// SessionHeader carries the resolved session ID on every response, so
// clients that arrived without a sid can round-trip the issued one.
const SessionHeader = "X-Chat-Session"

// maxBodyBytes caps request bodies; chat messages are small.
const maxBodyBytes = 1 << 20

// Server is the HTTP front end for a chat service.
type Server struct {
	svc    *chat.Service
	logger *zap.Logger
	env    string
}

// New creates a Server. A nil logger disables request logging.
func New(svc *chat.Service, logger *zap.Logger, env string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, logger: logger, env: env}
}

// Handler returns the route table wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/history", s.handleClearHistory)
	return s.logRequests(mux)
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	SID     string `json:"sid"`
	Reply   string `json:"reply"`
	Backend string `json:"backend"`
}

type historyResponse struct {
	SID      string            `json:"sid"`
	Backend  string            `json:"backend"`
	Degraded bool              `json:"degraded"`
	Messages []history.Message `json:"messages"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Backend  string `json:"backend"`
	Degraded bool   `json:"degraded"`
	Env      string `json:"env"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// deltaEvent is one streamed text fragment.
type deltaEvent struct {
	Delta string `json:"delta"`
}

// doneEvent terminates a stream and carries the committed reply.
type doneEvent struct {
	SID     string          `json:"sid"`
	Backend string          `json:"backend"`
	Message history.Message `json:"message"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	backend, degraded := s.storeStatus()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Provider: s.svc.Provider().Name(),
		Model:    s.svc.Provider().Model(),
		Backend:  backend,
		Degraded: degraded,
		Env:      s.env,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sid := s.resolveSID(w, r)
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	reply, err := s.svc.Send(r.Context(), sid, req.Message)
	if err != nil {
		s.writeModelError(w, err)
		return
	}

	backend, _ := s.storeStatus()
	writeJSON(w, http.StatusOK, chatResponse{SID: sid, Reply: reply.Content, Backend: backend})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sid := s.resolveSID(w, r)
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "request", "streaming is not supported by this connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reply, err := s.svc.Stream(r.Context(), sid, req.Message, func(chunk string) error {
		return writeSSE(w, flusher, "", deltaEvent{Delta: chunk})
	})
	if err != nil {
		// A closed connection cancels the request context; there is nobody
		// left to tell.
		if errors.Is(err, context.Canceled) {
			return
		}
		cerr := chat.Categorize(err)
		writeSSE(w, flusher, "error", errorResponse{Error: cerr.Message, Category: string(cerr.Category)})
		return
	}

	backend, _ := s.storeStatus()
	writeSSE(w, flusher, "done", doneEvent{SID: sid, Backend: backend, Message: reply})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sid := s.resolveSID(w, r)

	messages, err := s.svc.History(r.Context(), sid)
	if err != nil {
		s.logger.Error("history read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage", "could not load history")
		return
	}

	backend, degraded := s.storeStatus()
	writeJSON(w, http.StatusOK, historyResponse{
		SID:      sid,
		Backend:  backend,
		Degraded: degraded,
		Messages: messages,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sid := s.resolveSID(w, r)

	if err := s.svc.Clear(r.Context(), sid); err != nil {
		s.logger.Error("history clear failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage", "could not clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveSID returns the session ID for the request, issuing a fresh one
// when the sid query parameter is absent. The resolved ID is always echoed
// on the response header.
func (s *Server) resolveSID(w http.ResponseWriter, r *http.Request) string {
	sid, created := session.Resolve(r.URL.Query().Get("sid"))
	if created {
		s.logger.Debug("issued new session", zap.String("sid", sid))
	}
	w.Header().Set(SessionHeader, sid)
	return sid
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request", "body must be JSON with a \"message\" field")
		return chatRequest{}, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "request", "message must not be empty")
		return chatRequest{}, false
	}
	return req, true
}

// storeStatus returns the backend label and whether a fallback-capable
// store has degraded. Stores without a fallback report degraded=false.
func (s *Server) storeStatus() (string, bool) {
	st := s.svc.Store()
	degraded := false
	if d, ok := st.(interface{ Degraded() bool }); ok {
		degraded = d.Degraded()
	}
	return st.Name(), degraded
}

func (s *Server) writeModelError(w http.ResponseWriter, err error) {
	cerr := chat.Categorize(err)
	writeJSON(w, cerr.Category.HTTPStatus(), errorResponse{
		Error:    cerr.Message,
		Category: string(cerr.Category),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, category, message string) {
	writeJSON(w, status, errorResponse{Error: message, Category: category})
}

// writeSSE emits one server-sent event and flushes it to the client. The
// write error propagates so a gone client stops the stream.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// logRequests logs one line per request after it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		sid := r.URL.Query().Get("sid")
		if !session.Valid(sid) {
			sid = "-"
		}
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("sid", sid))
	})
}

// statusRecorder captures the status code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streamed responses keep flowing
// through the logging layer.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
