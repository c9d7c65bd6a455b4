// Package server serves compiled pages during development together with
// the endpoints the live-reload client talks to.
package server

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/a-h/templ"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/logging"
	"github.com/conneroisu/quire/internal/scheduler"
	"github.com/conneroisu/quire/internal/version"
	"github.com/conneroisu/quire/internal/websocket"
)

const (
	// ReadyHeader carries "true" once the first full build has finished.
	ReadyHeader = "X-Quire-Ready"

	ReadyPath   = "/__quire/ready"
	SocketPath  = "/__quire/ws"
	MetricsPath = "/__quire/metrics"
	ScriptPath  = "/__quire/reload.js"

	reloadTag = `<script src="` + ScriptPath + `"></script>`
)

//go:embed reload.js
var reloadScript []byte

// Pages is the view of the site the server renders from.
type Pages interface {
	Ready() bool
	Page(permalink string) ([]byte, bool)
	Resolve(requestPath string) (string, bool)
	Failure(permalink string) (qerrors.Entry, bool)
	Failures() []qerrors.Entry
}

// Config configures a Server.
type Config struct {
	Host string
	Port int
	// Open launches the system browser once the server listens.
	Open    bool
	Pages   Pages
	Live    *websocket.Manager
	Metrics *scheduler.Metrics
	Logger  logging.Logger
}

// Server is the development HTTP server.
type Server struct {
	cfg    Config
	logger logging.Logger

	serverMutex  sync.RWMutex
	httpServer   *http.Server
	shutdownOnce sync.Once
}

// New creates a server. Live may be nil, in which case the socket endpoint
// is not mounted.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard()
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("server"),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.cfg.Live != nil {
		mux.HandleFunc(SocketPath, s.cfg.Live.HandleWebSocket)
	}
	mux.HandleFunc(ReadyPath, s.handleReady)
	mux.HandleFunc(MetricsPath, s.handleMetrics)
	mux.HandleFunc(ScriptPath, s.handleScript)
	mux.HandleFunc("/", s.handlePage)

	return s.addMiddleware(mux)
}

// Start listens and serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", server.Addr, err)
	}

	url := "http://" + ln.Addr().String()
	s.logger.Info(ctx, "serving", "url", url)
	if s.cfg.Open {
		go s.openBrowser(ctx, url)
	}

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown closes live sessions and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.cfg.Live != nil {
			if err := s.cfg.Live.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()

		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

func (s *Server) openBrowser(ctx context.Context, url string) {
	time.Sleep(100 * time.Millisecond)

	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}

	if err != nil {
		s.logger.Warn(ctx, err, "cannot open browser", "url", url)
	}
}

func (s *Server) addMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ReadyHeader, strconv.FormatBool(s.cfg.Pages.Ready()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.logger.Debug(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// handleReady answers 200 once the site is built and 503 before.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if !s.cfg.Pages.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type metricsResponse struct {
	Ready         bool               `json:"ready"`
	Version       string             `json:"version"`
	Sessions      int                `json:"sessions"`
	PendingErrors []string           `json:"pending_errors"`
	Scheduler     *scheduler.Metrics `json:"scheduler,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := metricsResponse{
		Ready:         s.cfg.Pages.Ready(),
		Version:       version.GetShortVersion(),
		PendingErrors: []string{},
	}
	if s.cfg.Live != nil {
		resp.Sessions = s.cfg.Live.Sessions()
		resp.PendingErrors = s.cfg.Live.PendingErrors()
	}
	if s.cfg.Metrics != nil {
		snapshot := s.cfg.Metrics.GetSnapshot()
		resp.Scheduler = &snapshot
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn(r.Context(), err, "cannot encode metrics")
	}
}

func (s *Server) handleScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(reloadScript)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.cfg.Pages.Ready() {
		s.render(w, r, loadingPage(), http.StatusServiceUnavailable)
		return
	}

	permalink, ok := s.cfg.Pages.Resolve(r.URL.Path)
	if !ok {
		s.render(w, r, notFoundPage(r.URL.Path, s.cfg.Pages.Failures()), http.StatusNotFound)
		return
	}
	if permalink != r.URL.Path {
		target := permalink
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if entry, failed := s.cfg.Pages.Failure(permalink); failed {
		if _, rendered := s.cfg.Pages.Page(permalink); !rendered {
			s.render(w, r, errorPage(entry), http.StatusInternalServerError)
			return
		}
	}

	html, ok := s.cfg.Pages.Page(permalink)
	if !ok {
		// Registered but not compiled yet.
		s.render(w, r, loadingPage(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(injectScript(html))
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, c templ.Component, status int) {
	w.Header().Set("Cache-Control", "no-store")
	templ.Handler(c, templ.WithStatus(status)).ServeHTTP(w, r)
}

// injectScript adds the reload client before the closing body tag, or at
// the end of documents without one.
func injectScript(html []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(html), []byte("</body>"))
	out := make([]byte, 0, len(html)+len(reloadTag))
	if idx < 0 {
		out = append(out, html...)
		return append(out, reloadTag...)
	}
	out = append(out, html[:idx]...)
	out = append(out, reloadTag...)
	return append(out, html[idx:]...)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the socket endpoint take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
