// Package websocket implements the live-update transport: one session per
// connected browser, each tied to the page it reports viewing. Compile
// results are pushed as patch, reload or error frames. Delivery is
// fire-and-forget: a session whose buffer fills up is dropped rather
// than slowing the compile pipeline.
package websocket

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/logging"
	"github.com/conneroisu/quire/internal/vdom"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 10 * time.Second
	pingInterval      = 30 * time.Second
)

// Config configures a Manager.
type Config struct {
	// AllowedOrigins are host patterns accepted in addition to same-origin.
	AllowedOrigins []string
	// Resolve maps a client-reported location to a canonical permalink.
	Resolve    func(path string) string
	Tracker    PageTracker
	Logger     logging.Logger
	SendBuffer int
}

// Session is one connected browser.
type Session struct {
	id   uint64
	conn *websocket.Conn
	send chan []byte
	page string

	closeOnce sync.Once
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// Manager owns every live-update session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	pending  map[string]Message
	closed   bool

	nextID     atomic.Uint64
	active     *ActivePages
	resolve    func(string) string
	origins    []string
	sendBuffer int
	logger     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Resolve == nil {
		cfg.Resolve = func(path string) string { return path }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		sessions:   make(map[*Session]struct{}),
		pending:    make(map[string]Message),
		active:     NewActivePages(cfg.Tracker),
		resolve:    cfg.Resolve,
		origins:    cfg.AllowedOrigins,
		sendBuffer: cfg.SendBuffer,
		logger:     cfg.Logger.WithComponent("websocket"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ActivePages exposes the viewed-page tracker.
func (m *Manager) ActivePages() *ActivePages {
	return m.active
}

// HandleWebSocket upgrades the request and serves the session until the
// peer disconnects or sends a malformed frame.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)

		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  m.origins,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		m.logger.Warn(r.Context(), err, "websocket upgrade failed", "remote", r.RemoteAddr)

		return
	}

	s := &Session{
		id:   m.nextID.Add(1),
		conn: conn,
		send: make(chan []byte, m.sendBuffer),
	}
	if !m.register(s) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")

		return
	}

	m.logger.Debug(m.ctx, "session connected", "session", s.id, "remote", r.RemoteAddr)

	go m.writeLoop(s)
	m.readLoop(s)
}

// register adds s and queues the handshake plus any outstanding errors.
func (m *Manager) register(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.sessions[s] = struct{}{}

	frames := []Message{Connected()}
	paths := make([]string, 0, len(m.pending))
	for path := range m.pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		frames = append(frames, m.pending[path])
	}

	for _, msg := range frames {
		data, err := msg.Encode()
		if err != nil {
			continue
		}
		select {
		case s.send <- data:
		default:
		}
	}

	return true
}

func (m *Manager) readLoop(s *Session) {
	defer m.drop(s, websocket.StatusNormalClosure, "")

	for {
		_, data, err := s.conn.Read(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				m.logger.Debug(m.ctx, "session read ended", "session", s.id, "error", err.Error())
			}

			return
		}

		msg, err := DecodeClientMessage(data)
		if err != nil {
			m.logger.Warn(m.ctx, err, "dropping session after malformed message", "session", s.id)
			m.drop(s, websocket.StatusUnsupportedData, "malformed message")

			return
		}

		m.setPage(s, m.resolve(msg.Path))
	}
}

func (m *Manager) writeLoop(s *Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				m.logger.Warn(m.ctx,
					qerrors.NewTransportError(qerrors.ErrCodeSendFailed, "write failed", err),
					"dropping session", "session", s.id)
				m.drop(s, websocket.StatusInternalError, "write failed")

				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				m.drop(s, websocket.StatusGoingAway, "ping failed")

				return
			}

		case <-m.ctx.Done():
			return
		}
	}
}

// setPage moves s to permalink and updates the viewer counts.
func (m *Manager) setPage(s *Session, permalink string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s]; !ok || s.page == permalink {
		return
	}
	m.active.Release(s.page)
	m.active.Acquire(permalink)
	s.page = permalink

	m.logger.Debug(m.ctx, "session page changed", "session", s.id, "page", permalink)
}

// drop removes s and closes its connection. Safe to call repeatedly.
func (m *Manager) drop(s *Session, code websocket.StatusCode, reason string) {
	m.mu.Lock()
	_, ok := m.sessions[s]
	if ok {
		delete(m.sessions, s)
		m.active.Release(s.page)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	s.closeOnce.Do(func() {
		close(s.send)
		go func() {
			_ = s.conn.Close(code, reason)
		}()
	})

	m.logger.Debug(m.ctx, "session disconnected", "session", s.id, "reason", reason)
}

// deliver queues msg on every session matching filter and returns how many
// sessions received it.
func (m *Manager) deliver(msg Message, filter func(*Session) bool) int {
	data, err := msg.Encode()
	if err != nil {
		m.logger.Error(m.ctx, err, "cannot encode message", "type", string(msg.Type))

		return 0
	}

	var slow []*Session
	delivered := 0

	m.mu.RLock()
	for s := range m.sessions {
		if filter != nil && !filter(s) {
			continue
		}
		select {
		case s.send <- data:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range slow {
		m.logger.Warn(m.ctx,
			qerrors.NewTransportError(qerrors.ErrCodeSendFailed, "send buffer full", nil),
			"dropping slow session", "session", s.id)
		m.drop(s, websocket.StatusPolicyViolation, "client too slow")
	}

	return delivered
}

// SendPatch pushes ops to the sessions viewing permalink.
func (m *Manager) SendPatch(permalink string, ops []vdom.PatchOp) int {
	if len(ops) == 0 {
		return 0
	}

	return m.deliver(Patch(permalink, ops), func(s *Session) bool {
		return s.page == permalink
	})
}

// SendReload tells the sessions viewing permalink to reload. An empty
// permalink reloads every session. With a URL change, sessions on either
// the old or the new permalink are reloaded.
func (m *Manager) SendReload(permalink, reason string, change *URLChange) int {
	return m.deliver(Reload(reason, change), func(s *Session) bool {
		switch {
		case permalink == "":
			return true
		case s.page == permalink:
			return true
		case change != nil && (s.page == change.Old || s.page == change.New):
			return true
		default:
			return false
		}
	})
}

// SendError reports a failed compile of the source at path to every
// session and remembers it for sessions that connect later.
func (m *Manager) SendError(path, diagnostic string) int {
	msg := ErrorReport(path, diagnostic)

	m.mu.Lock()
	m.pending[path] = msg
	m.mu.Unlock()

	return m.deliver(msg, nil)
}

// ClearError announces that path compiles again. It reports false when no
// error was outstanding for path.
func (m *Manager) ClearError(path string) bool {
	m.mu.Lock()
	_, ok := m.pending[path]
	delete(m.pending, path)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.deliver(ClearError(path), nil)

	return true
}

// PendingErrors lists the paths with an outstanding error report.
func (m *Manager) PendingErrors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.pending))
	for p := range m.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return paths
}

// Sessions returns the number of connected sessions.
func (m *Manager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// Shutdown closes every session and rejects new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.drop(s, websocket.StatusGoingAway, "server shutting down")
	}
	m.cancel()

	return ctx.Err()
}
