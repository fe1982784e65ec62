// Package api implements the management HTTP façade: the public surface
// consumers use to register functions, invoke them, and inspect platform
// state. It is a thin translation layer over the orchestrator and registry —
// no business logic lives here.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/orchestrator"
	"github.com/cuemby/faas/pkg/registry"
	"github.com/cuemby/faas/pkg/types"
)

// Server is the management HTTP façade described in §8: no router library is
// used anywhere in the example pack's primary teacher, so none is introduced
// here — routing is plain net/http.ServeMux with method-and-path patterns.
type Server struct {
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	logger       zerolog.Logger
	http         *http.Server
}

// NewServer builds a Server bound to addr.
func NewServer(addr string, reg *registry.Registry, orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		registry:     reg,
		orchestrator: orch,
		logger:       log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /invoke/{fn}", s.handleInvoke)
	mux.HandleFunc("GET /functions", s.handleListFunctions)
	mux.HandleFunc("POST /functions", s.handleRegisterFunction)
	mux.HandleFunc("GET /functions/{fn}", s.handleGetFunction)
	mux.HandleFunc("PUT /functions/{fn}", s.handleUpdateFunction)
	mux.HandleFunc("DELETE /functions/{fn}", s.handleDeleteFunction)
	mux.HandleFunc("GET /instances", s.handleListInstances)
	mux.HandleFunc("DELETE /instances/{rid}", s.handleDeleteInstance)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the façade until an error or Shutdown.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the façade, letting in-flight requests finish
// within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleInvoke implements the §8 dispatch route: request metadata (method,
// path, headers, query) is merged into the body before forwarding to the
// orchestrator, which is the runtime-host contract's Request shape.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	fn := r.PathValue("fn")

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	query := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	merged := map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"headers": headers,
		"query":   query,
	}
	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = string(body)
		}
	}
	merged["body"] = payload

	requestData, err := json.Marshal(merged)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result := s.orchestrator.Invoke(r.Context(), fn, requestData, r.Header)
	writeJSON(w, result.StatusCode, result.Body)
}

type registerRequest struct {
	Name   string                `json:"name"`
	Code   string                `json:"code"`
	Config *types.FunctionConfig `json:"config,omitempty"`
}

func (s *Server) handleRegisterFunction(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrConfigInvalid, err))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: name is required", types.ErrConfigInvalid))
		return
	}

	code, err := decodeCode(req.Code)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg := types.FunctionConfig{Name: req.Name}
	if req.Config != nil {
		cfg = *req.Config
		cfg.Name = req.Name
	}

	if err := s.registry.Register(cfg, code); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, functionInfo(s.registry, cfg.Name, s.orchestrator))
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	configs := s.registry.ListConfigs()
	out := make(map[string]any, len(configs))
	for _, cfg := range configs {
		out[cfg.Name] = functionInfo(s.registry, cfg.Name, s.orchestrator)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn := r.PathValue("fn")
	if _, err := s.registry.Get(fn); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, functionInfo(s.registry, fn, s.orchestrator))
}

type updateRequest struct {
	Code   string                `json:"code,omitempty"`
	Config *types.FunctionConfig `json:"config,omitempty"`
}

func (s *Server) handleUpdateFunction(w http.ResponseWriter, r *http.Request) {
	fn := r.PathValue("fn")

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrConfigInvalid, err))
		return
	}

	var code []byte
	if req.Code != "" {
		decoded, err := decodeCode(req.Code)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		code = decoded
	}
	var cfg *types.FunctionConfig
	if req.Config != nil {
		merged := *req.Config
		merged.Name = fn
		cfg = &merged
	}

	if err := s.registry.Update(fn, cfg, code); err != nil {
		if errors.Is(err, types.ErrFunctionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, functionInfo(s.registry, fn, s.orchestrator))
}

// handleDeleteFunction stops every live instance of fn before removing its
// registration, per §8's "stop all instances then remove" semantics.
func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	fn := r.PathValue("fn")

	if _, err := s.registry.Get(fn); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	for _, inst := range s.orchestrator.FunctionInstances(fn) {
		if err := s.orchestrator.StopInstance(r.Context(), inst.RuntimeID); err != nil {
			s.logger.Warn().Err(err).Str("runtime_id", inst.RuntimeID).Msg("failed to stop instance during function delete")
		}
	}

	if _, err := s.registry.Remove(fn); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances := s.orchestrator.Instances()
	out := make([]map[string]any, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceInfo(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	if err := s.orchestrator.StopInstance(r.Context(), rid); err != nil {
		if errors.Is(err, types.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleStats builds the §8 stats schema. uptime is read from the
// orchestrator's started_at, fixing the distilled source's dangling
// start_time reference (§11).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	configs := s.registry.ListConfigs()
	instances := s.orchestrator.Instances()

	functions := make(map[string]any, len(configs))
	for _, cfg := range configs {
		fnInstances := s.orchestrator.FunctionInstances(cfg.Name)
		var requests, errs int64
		for _, inst := range fnInstances {
			requests += inst.RequestCount()
			errs += inst.ErrorCount()
		}
		functions[cfg.Name] = map[string]any{
			"instances":      len(fnInstances),
			"total_requests": requests,
			"total_errors":   errs,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"platform": map[string]any{
			"total_functions": len(configs),
			"total_instances": len(instances),
			"uptime":          int64(s.orchestrator.Uptime().Seconds()),
		},
		"executors": s.orchestrator.ExecutorStats(),
		"functions": functions,
	})
}

func functionInfo(reg *registry.Registry, name string, orch *orchestrator.Orchestrator) map[string]any {
	cfg, err := reg.Get(name)
	if err != nil {
		return map[string]any{"name": name}
	}
	return map[string]any{
		"config":    cfg,
		"instances": len(orch.FunctionInstances(name)),
	}
}

func instanceInfo(inst *types.Instance) map[string]any {
	return map[string]any{
		"runtime_id":     inst.RuntimeID,
		"function_name":  inst.FunctionName,
		"execution_mode": inst.ExecutionMode,
		"port":           inst.Port,
		"created_at":     inst.CreatedAt,
		"last_used":      inst.LastUsed(),
		"request_count":  inst.RequestCount(),
		"error_count":    inst.ErrorCount(),
	}
}

func decodeCode(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: code is not valid base64: %v", types.ErrConfigInvalid, err)
	}
	return decoded, nil
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
