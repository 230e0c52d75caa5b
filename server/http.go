package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"duochat/auth"
	"duochat/blob"
	"duochat/models"
)

// Handler builds the HTTP routes, websocket endpoint included.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	r.Handle("/validate-session", s.requireAuth(s.handleValidateSession)).Methods(http.MethodGet)
	r.Handle("/messages", s.requireAuth(s.handleMessages)).Methods(http.MethodGet)
	r.Handle("/upload", s.requireAuth(s.handleUpload)).Methods(http.MethodPost)

	r.PathPrefix(blob.URLPrefix).Handler(s.blobs.Handler()).Methods(http.MethodGet)

	return r
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}

	if err := s.auth.Register(r.Context(), req.Username, req.Password); err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Info("User registered", "user", req.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User created successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}

	token, username, err := s.auth.Login(r.Context(), clientIP(r), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "username": username})
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "username": identity})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: invalid limit", models.ErrValidation))
			return
		}
		limit = n
	}

	page, err := s.history.FetchPage(r.Context(), identity, q.Get("cursor"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBody := s.config.MaxUploadBytes*int64(s.config.MaxUploadFiles) + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["media"]
	if len(files) == 0 {
		s.writeError(w, fmt.Errorf("%w: no files uploaded", models.ErrValidation))
		return
	}
	if len(files) > s.config.MaxUploadFiles {
		s.writeError(w, fmt.Errorf("%w: at most %d files per upload", models.ErrValidation, s.config.MaxUploadFiles))
		return
	}

	urls := make([]string, 0, len(files))
	types := make([]models.MediaKind, 0, len(files))
	for _, fh := range files {
		if fh.Size > s.config.MaxUploadBytes {
			s.writeError(w, fmt.Errorf("%w: %w", models.ErrValidation, blob.ErrTooLarge))
			return
		}
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, err)
			return
		}
		ref, err := s.blobs.Put(r.Context(), fh.Filename, f)
		f.Close()
		if err != nil {
			s.writeError(w, err)
			return
		}
		urls = append(urls, ref.URL)
		types = append(types, ref.Kind)
	}

	identity, _ := auth.IdentityFrom(r.Context())
	s.log.Info("Files uploaded", "user", identity, "count", len(urls))
	writeJSON(w, http.StatusOK, map[string]interface{}{"urls": urls, "types": types})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{
		"service":   "duochat",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.db.Ping(ctx); err != nil {
		s.log.Error("Health check failed", "error", err)
		body["status"] = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Verify(r.Context(), auth.ExtractToken(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrUnknownRecipient), errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "error", err)
		message = "Internal server error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
