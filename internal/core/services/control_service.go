package services

import (
	"context"
	"sync"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
	"deskbridge/pkg/codec"

	"go.uber.org/zap"
)

// DenialListener receives every permission denial for auditing.
type DenialListener func(domain.PermissionDenial)

// ControlService consumes the control data channel: it decodes one CBOR
// message per channel frame, enforces strict sequence ordering, gates each
// payload on the session's permission profile and hands permitted payloads to
// the platform injector.
type ControlService struct {
	injector ports.InputInjector
	logger   *zap.SugaredLogger
	metrics  ports.MetricsSink

	mu        sync.Mutex
	peer      domain.PeerID
	profile   domain.PermissionProfile
	enabled   bool
	lastSeq   uint64
	listeners []DenialListener
}

func NewControlService(
	injector ports.InputInjector,
	profile domain.PermissionProfile,
	peer domain.PeerID,
	logger *zap.SugaredLogger,
	metrics ports.MetricsSink,
) *ControlService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ControlService{
		injector: injector,
		logger:   logger,
		metrics:  metrics,
		peer:     peer,
		profile:  profile,
		enabled:  true,
	}
}

// OnDenial registers an audit listener. Listeners run synchronously on the
// control path and must be fast.
func (s *ControlService) OnDenial(fn DenialListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetProfile swaps the active permission profile mid-session.
func (s *ControlService) SetProfile(p domain.PermissionProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.logger.Infow("permission profile changed", "profile", p.Name)
}

// SetEnabled toggles remote control for the session. While disabled every
// control message is discarded after sequence accounting, so re-enabling
// resumes cleanly mid-stream.
func (s *ControlService) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.logger.Infow("remote control toggled", "enabled", enabled)
}

// Run consumes the channel until the context ends or the channel closes.
func (s *ControlService) Run(ctx context.Context, recv ports.ControlReceiver) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-recv.Receive():
			if !ok {
				return
			}
			s.handle(raw)
		}
	}
}

func (s *ControlService) handle(raw []byte) {
	var msg domain.ControlMessage
	if err := codec.Unmarshal(raw, &msg); err != nil {
		// Malformed frames are dropped, never fatal to the session.
		s.logger.Warnw("malformed control message", "error", err)
		return
	}
	if msg.Input == nil && msg.Command == nil {
		s.logger.Warnw("empty control message")
		return
	}

	seq := msg.Sequence()
	s.mu.Lock()
	last := s.lastSeq
	if seq <= last {
		// Duplicate or stale delivery; discard silently.
		s.mu.Unlock()
		return
	}
	if last != 0 && seq != last+1 {
		s.logger.Warnw("control sequence gap",
			"expected", last+1,
			"got", seq,
		)
	}
	s.lastSeq = seq
	enabled := s.enabled
	profile := s.profile
	peer := s.peer
	listeners := s.listeners
	s.mu.Unlock()

	if !enabled {
		return
	}

	var required domain.Capability
	switch {
	case msg.Input != nil:
		required = msg.Input.RequiredCapability()
	case msg.Command != nil:
		required = msg.Command.RequiredCapability()
	}

	if !profile.Allows(required) {
		denial := domain.PermissionDenial{
			Peer:       peer,
			Capability: required,
			Sequence:   seq,
			Timestamp:  time.Now(),
		}
		s.metrics.PermissionDenied(required)
		s.logger.Infow("control message denied",
			"capability", required,
			"sequence", seq,
			"profile", profile.Name,
		)
		for _, fn := range listeners {
			fn(denial)
		}
		return
	}

	switch {
	case msg.Input != nil:
		if err := s.injector.Inject(*msg.Input); err != nil {
			// Injection failures affect one event only.
			s.logger.Errorw("input injection failed",
				"kind", msg.Input.Kind,
				"sequence", seq,
				"error", err,
			)
		}
	case msg.Command != nil:
		s.logger.Infow("device command",
			"kind", msg.Command.Kind,
			"sequence", seq,
		)
		if err := s.injector.Execute(*msg.Command); err != nil {
			s.logger.Errorw("device command failed",
				"kind", msg.Command.Kind,
				"sequence", seq,
				"error", err,
			)
		}
	}
}
