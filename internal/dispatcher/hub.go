package dispatcher

import (
	"sync"

	"go.uber.org/zap"

	"k9notify/contracts/ws"
	"k9notify/pkg/metrics"
)

// Session is one live websocket attachment of one user. Frames queued
// on C are written to the socket by the connection's writer goroutine.
type Session struct {
	ID     string
	UserID int

	mu     sync.Mutex
	closed bool
	frames chan ws.Frame
}

// C is the outbound frame queue for this session.
func (s *Session) C() <-chan ws.Frame {
	return s.frames
}

// enqueue queues a frame without blocking. It returns false when the
// queue is full or the session is already closed. The session mutex
// keeps the send from racing close.
func (s *Session) enqueue(frame ws.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

// Hub tracks live sessions per user and fans frames out to them. A user
// may hold several sessions at once, one per device or tab.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int]map[string]*Session
	logger   *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[int]map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session with the given outbound buffer size.
func (h *Hub) Register(userID int, sessionID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 32
	}
	s := &Session{
		ID:     sessionID,
		UserID: userID,
		frames: make(chan ws.Frame, buffer),
	}

	h.mu.Lock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[string]*Session)
	}
	h.sessions[userID][sessionID] = s
	h.mu.Unlock()

	metrics.WSConnectedSessions.Inc()
	h.logger.Debug("session registered",
		zap.Int("user_id", userID),
		zap.String("session_id", sessionID),
	)
	return s
}

// Unregister removes a session and closes its queue.
func (h *Hub) Unregister(userID int, sessionID string) {
	h.mu.Lock()
	var s *Session
	if byID := h.sessions[userID]; byID != nil {
		s = byID[sessionID]
		delete(byID, sessionID)
		if len(byID) == 0 {
			delete(h.sessions, userID)
		}
	}
	h.mu.Unlock()

	if s == nil {
		return
	}
	s.close()
	metrics.WSConnectedSessions.Dec()
	h.logger.Debug("session unregistered",
		zap.Int("user_id", userID),
		zap.String("session_id", sessionID),
	)
}

// SendToUser queues a frame on every live session of the user and
// returns how many sessions accepted it. Sessions with a full queue are
// skipped rather than blocked on.
func (h *Hub) SendToUser(userID int, frame ws.Frame) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[userID]))
	for _, s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(frame) {
			delivered++
			continue
		}
		h.logger.Warn("session gone or queue full, frame dropped",
			zap.Int("user_id", userID),
			zap.String("session_id", s.ID),
			zap.String("event", frame.Event),
		)
	}
	return delivered
}

// SendToSession queues a frame on one specific session.
func (h *Hub) SendToSession(userID int, sessionID string, frame ws.Frame) bool {
	h.mu.RLock()
	var s *Session
	if byID := h.sessions[userID]; byID != nil {
		s = byID[sessionID]
	}
	h.mu.RUnlock()

	if s == nil {
		return false
	}
	if s.enqueue(frame) {
		return true
	}
	h.logger.Warn("session gone or queue full, frame dropped",
		zap.Int("user_id", userID),
		zap.String("session_id", sessionID),
		zap.String("event", frame.Event),
	)
	return false
}

// Connected reports whether the user has at least one live session.
func (h *Hub) Connected(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// SessionCount returns the total number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, byID := range h.sessions {
		total += len(byID)
	}
	return total
}
