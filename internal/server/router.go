package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bedrockd/bedrockd/internal/metrics"
	"github.com/bedrockd/bedrockd/internal/supervisor"
)

// Router provides embeddable HTTP handlers for managing Bedrock servers.
// Endpoints:
//   POST {basePath}/start     query: name=...
//   POST {basePath}/stop      query: name=...
//   POST {basePath}/restart   query: name=...
//   POST {basePath}/command   query: name=...  body: {"command": "..."}
//   GET  {basePath}/status    query: name=... (omit for all servers)
//   GET  {basePath}/stats     query: name=...
//   GET  {basePath}/metrics   (when enabled)
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	sup           *supervisor.Supervisor
	basePath      string
	enableMetrics bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(sup *supervisor.Supervisor, basePath string, enableMetrics bool) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath), enableMetrics: enableMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/command", r.handleCommand)
	group.GET("/status", r.handleStatus)
	group.GET("/stats", r.handleStats)
	if r.enableMetrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. Close
// or Shutdown the returned server to stop it.
func NewServer(addr, basePath string, enableMetrics bool, sup *supervisor.Supervisor) (*http.Server, error) {
	r := NewRouter(sup, basePath, enableMetrics)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) serverName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return "", false
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return "", false
	}
	return name, true
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrExecutableNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrBlockedCommand):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	if err := r.sup.Start(name); err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	if err := r.sup.Stop(name); err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	if err := r.sup.Restart(name); err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type commandReq struct {
	Command string `json:"command"`
}

func (r *Router) handleCommand(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	var req commandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	if err := r.sup.Send(name, req.Command); err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, r.sup.Statuses())
		return
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	st, _ := r.sup.Status(name)
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStats(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	info, err := r.sup.Info(name)
	if err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, info)
}
