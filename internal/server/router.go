package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/autologout/internal/config"
	"github.com/loykin/autologout/internal/orchestrator"
	"github.com/loykin/autologout/internal/service"
	"github.com/loykin/autologout/internal/store"
	itls "github.com/loykin/autologout/internal/tls"
)

// Manager is the orchestrator surface the router serves.
type Manager interface {
	Create(ctx context.Context, cfg store.WatcherConfig) (orchestrator.Entry, error)
	Update(ctx context.Context, name string, p orchestrator.Patch) (orchestrator.Entry, error)
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (orchestrator.Entry, error)
	List(ctx context.Context) ([]orchestrator.Entry, error)
	Do(ctx context.Context, name, action string) (service.Status, error)
	Logs(ctx context.Context, name string, n int) ([]string, error)
}

// Router exposes watcher management over HTTP.
// Endpoints, relative to basePath:
//
//	GET    /watchers
//	POST   /watchers                 body: watcher config
//	GET    /watchers/:name
//	PUT    /watchers/:name           body: partial config
//	PATCH  /watchers/:name           body: partial config
//	DELETE /watchers/:name
//	POST   /watchers/:name/action    body: {"action": "start|stop|restart|status"}
//	GET    /watchers/:name/logs      query: lines=N
//
// Passwords never leave the router unredacted.
type Router struct {
	mgr      Manager
	basePath string
	log      *slog.Logger
}

func NewRouter(mgr Manager, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/watchers", r.handleList)
	group.POST("/watchers", r.handleCreate)
	group.GET("/watchers/:name", r.handleGet)
	group.PUT("/watchers/:name", r.handleUpdate)
	group.PATCH("/watchers/:name", r.handleUpdate)
	group.DELETE("/watchers/:name", r.handleDelete)
	group.POST("/watchers/:name/action", r.handleAction)
	group.GET("/watchers/:name/logs", r.handleLogs)
	return g
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// NewServer builds the control surface server for cfg. TLS is configured
// from cfg.TLS; the server is not started.
func NewServer(cfg config.ServerConfig, mgr Manager, commandTimeout time.Duration, log *slog.Logger) (*http.Server, error) {
	tlsCfg, err := itls.SetupTLS(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("setup tls: %w", err)
	}
	r := NewRouter(mgr, cfg.BasePath, log)
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      WriteTimeout(commandTimeout),
		IdleTimeout:       60 * time.Second,
	}, nil
}

// mutationCommands bounds the service manager commands one request can issue:
// create runs reload, enable, start and a status probe, and its rollback
// adds stop, disable and reload.
const mutationCommands = 9

// WriteTimeout covers the slowest mutation so a response is never cut off
// while its operation is still running.
func WriteTimeout(commandTimeout time.Duration) time.Duration {
	if commandTimeout <= 0 {
		commandTimeout = service.DefaultCommandTimeout
	}
	return mutationCommands*commandTimeout + 10*time.Second
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// --- Handlers ---

type errorResp struct {
	Error  string `json:"error"`
	Step   string `json:"step,omitempty"`
	Detail string `json:"detail"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type actionReq struct {
	Action string `json:"action"`
}

type actionResp struct {
	Name   string         `json:"name"`
	Action string         `json:"action"`
	Status service.Status `json:"status"`
}

type logsResp struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

func (r *Router) handleList(c *gin.Context) {
	entries, err := r.mgr.List(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	out := make([]orchestrator.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, redact(e))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleCreate(c *gin.Context) {
	var cfg store.WatcherConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: string(orchestrator.KindValidation), Step: "decode", Detail: "invalid JSON: " + err.Error()})
		return
	}
	e, err := r.mgr.Create(c.Request.Context(), cfg)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, redact(e))
}

func (r *Router) handleGet(c *gin.Context) {
	e, err := r.mgr.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, redact(e))
}

func (r *Router) handleUpdate(c *gin.Context) {
	var p orchestrator.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: string(orchestrator.KindValidation), Step: "decode", Detail: "invalid JSON: " + err.Error()})
		return
	}
	e, err := r.mgr.Update(c.Request.Context(), c.Param("name"), p)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, redact(e))
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.mgr.Delete(c.Request.Context(), c.Param("name")); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleAction(c *gin.Context) {
	var req actionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: string(orchestrator.KindValidation), Step: "decode", Detail: "invalid JSON: " + err.Error()})
		return
	}
	name := c.Param("name")
	st, err := r.mgr.Do(c.Request.Context(), name, req.Action)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, actionResp{Name: name, Action: req.Action, Status: st})
}

func (r *Router) handleLogs(c *gin.Context) {
	n := 0
	if s := c.Query("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: string(orchestrator.KindValidation), Step: "decode", Detail: "lines must be an integer"})
			return
		}
		n = v
	}
	name := c.Param("name")
	lines, err := r.mgr.Logs(c.Request.Context(), name, n)
	if err != nil {
		r.writeError(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, logsResp{Name: name, Lines: lines})
}

func (r *Router) writeError(c *gin.Context, err error) {
	code := statusCode(err)
	resp := errorResp{Error: string(orchestrator.KindOf(err)), Detail: err.Error()}
	var oe *orchestrator.Error
	if errors.As(err, &oe) {
		resp.Step = oe.Step
		if oe.Err != nil {
			resp.Detail = oe.Err.Error()
		}
	}
	if resp.Error == "" {
		resp.Error = "internal"
	}
	if code >= http.StatusInternalServerError {
		r.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	writeJSON(c, code, resp)
}

func statusCode(err error) int {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindConflict:
		return http.StatusConflict
	case orchestrator.KindServiceManager:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func redact(e orchestrator.Entry) orchestrator.Entry {
	e.Config = e.Config.Redacted()
	return e
}
