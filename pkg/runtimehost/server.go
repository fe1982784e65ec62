package runtimehost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// runtimeVersion is reported in every /health response, matching the
// contract's fixed version field.
const runtimeVersion = "1.0.0"

// Server is the reference runtime host: it binds one TCP port and serves
// /health and / per §4.8's contract.
type Server struct {
	loader  *FunctionLoader
	timeout time.Duration
	mode    string
	http    *http.Server
}

// NewServer builds a Server bound to host:port. mode is reported as the
// "runtime" tag in health responses (the execution mode the instance was
// created under).
func NewServer(host string, port int, loader *FunctionLoader, timeout time.Duration, mode string) *Server {
	s := &Server{loader: loader, timeout: timeout, mode: mode}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}
	return s
}

// ListenAndServe blocks serving until an error or Shutdown.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server, letting in-flight invocations
// finish within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"runtime":   s.mode,
		"version":   runtimeVersion,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Path == "/" {
			s.handleHealth(w, r)
			return
		}
		http.NotFound(w, r)
	case http.MethodPost:
		s.handleInvoke(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleInvoke implements the §4.8 POST contract, including the
// per-invocation timeout watcher: the handler runs on its own goroutine so
// a hung or panicking handler never blocks the response past timeout.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Internal server error: %v", err)})
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	query := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	req := Request{Method: r.Method, Path: r.URL.Path, Headers: headers, Body: body, Query: query}

	handler, err := s.loader.Load()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Internal server error: %v", err)})
		return
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("panic: %v", rec)
			}
		}()
		result, err := handler(req)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		s.writeResult(w, result)
	case err := <-errCh:
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Internal server error: %v", err)})
	case <-time.After(s.timeout):
		s.writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": fmt.Sprintf("Function execution timeout (%ds)", int(s.timeout.Seconds()))})
	}
}

func (s *Server) writeResult(w http.ResponseWriter, result any) {
	switch v := result.(type) {
	case string:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, v)
	case []byte:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(v)
	default:
		s.writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
