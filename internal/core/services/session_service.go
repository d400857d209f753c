package services

import (
	"sync"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
	"deskbridge/pkg/tracing"

	"go.uber.org/zap"
)

// StateListener is invoked synchronously on every state transition. Errors
// and panics are caught and logged; they never interrupt the transition.
type StateListener func(change domain.StateChange) error

// SessionService owns the per-peer session table and is the sole
// serialization point for connection state. Every state mutation goes
// through Transition, which enforces the allowed-transition table.
type SessionService struct {
	mu        sync.Mutex
	sessions  map[domain.PeerID]*domain.Session
	listeners []StateListener

	logger  *zap.SugaredLogger
	metrics ports.MetricsSink
}

func NewSessionService(logger *zap.SugaredLogger, metrics ports.MetricsSink) *SessionService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &SessionService{
		sessions: make(map[domain.PeerID]*domain.Session),
		logger:   logger,
		metrics:  metrics,
	}
}

// OnStateChange registers a transition listener.
func (s *SessionService) OnStateChange(fn StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Create registers a new session for the remote peer in the Disconnected
// state. A peer maps to at most one live session; creating over a live one
// fails with ErrSessionExists. A closed or failed session is replaced.
func (s *SessionService) Create(local, remote domain.PeerID, profile domain.PermissionProfile) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[remote]; ok && existing.Live() {
		return nil, domain.ErrSessionExists
	}

	session := &domain.Session{
		ID:         domain.NewSessionID(),
		LocalPeer:  local,
		RemotePeer: remote,
		State:      domain.StateDisconnected,
		CreatedAt:  time.Now(),
		Channels:   []domain.ChannelLabel{domain.ChannelScreen, domain.ChannelInput, domain.ChannelClipboard},
		Profile:    profile,
	}
	s.sessions[remote] = session
	s.metrics.SessionOpened()

	s.logger.Infow("session created",
		"session_id", session.ID,
		"remote_peer", remote,
		"profile", profile.Name,
	)
	return session, nil
}

// Get returns the session for the peer.
func (s *SessionService) Get(peer domain.PeerID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[peer]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// State returns the current connection state for the peer.
func (s *SessionService) State(peer domain.PeerID) (domain.ConnectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[peer]
	if !ok {
		return domain.StateDisconnected, domain.ErrSessionNotFound
	}
	return session.State, nil
}

// Transition moves the peer's session to the given state if the transition
// table allows it. A rejected transition leaves the state unchanged.
// Listeners fire synchronously inside the serialization point, so no
// externally observable intermediate state exists.
func (s *SessionService) Transition(peer domain.PeerID, to domain.ConnectionState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[peer]
	if !ok {
		return domain.ErrSessionNotFound
	}

	from := session.State
	if !from.CanTransitionTo(to) {
		s.logger.Warnw("rejected state transition",
			"session_id", session.ID,
			"from", from.String(),
			"to", to.String(),
		)
		return domain.ErrInvalidTransition
	}

	session.State = to
	if to == domain.StateFailed {
		session.Reason = reason
	}

	change := domain.StateChange{
		SessionID: session.ID,
		Peer:      peer,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	s.metrics.StateTransition(from, to)
	if to == domain.StateClosed {
		s.metrics.SessionClosed()
	}
	tracing.TraceStateTransition(string(session.ID), from.String(), to.String(), reason)

	s.logger.Infow("state transition",
		"session_id", session.ID,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)

	for _, fn := range s.listeners {
		s.notify(fn, change)
	}
	return nil
}

// notify invokes one listener, containing panics and errors.
func (s *SessionService) notify(fn StateListener, change domain.StateChange) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("state listener panicked", "panic", r)
		}
	}()
	if err := fn(change); err != nil {
		s.logger.Warnw("state listener error", "error", err)
	}
}

// Fail marks the session Failed with a reason. Valid from every non-terminal
// state.
func (s *SessionService) Fail(peer domain.PeerID, reason string) error {
	return s.Transition(peer, domain.StateFailed, reason)
}

// Retry re-enters Connecting from Failed.
func (s *SessionService) Retry(peer domain.PeerID) error {
	return s.Transition(peer, domain.StateConnecting, "retry")
}

// Close terminates the session and removes it from the table.
func (s *SessionService) Close(peer domain.PeerID) error {
	if err := s.Transition(peer, domain.StateClosed, "closed"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, peer)
	s.mu.Unlock()
	return nil
}

// FailAll marks every live session Failed with the reason, so listeners
// observe the failure before teardown closes the sessions.
func (s *SessionService) FailAll(reason string) {
	s.mu.Lock()
	peers := make([]domain.PeerID, 0, len(s.sessions))
	for peer, session := range s.sessions {
		if session.Live() {
			peers = append(peers, peer)
		}
	}
	s.mu.Unlock()

	for _, peer := range peers {
		if err := s.Fail(peer, reason); err != nil {
			s.logger.Debugw("session fail during teardown", "peer", peer, "error", err)
		}
	}
}

// CloseAll closes every live session, for process teardown.
func (s *SessionService) CloseAll() {
	s.mu.Lock()
	peers := make([]domain.PeerID, 0, len(s.sessions))
	for peer := range s.sessions {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		if err := s.Close(peer); err != nil {
			s.logger.Debugw("session close during teardown", "peer", peer, "error", err)
		}
	}
}
