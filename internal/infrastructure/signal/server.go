package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServerConfig holds the rendezvous server tunables.
type ServerConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	JWTSecret    string
	// MessagesPerSecond and MessageBurst bound inbound signaling per peer.
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultServerConfig(jwtSecret string) ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		JWTSecret:         jwtSecret,
		MessagesPerSecond: 50,
		MessageBurst:      100,
	}
}

// Server is the rendezvous service: it authenticates peers, tracks presence
// and routes signaling messages between them. It never inspects SDP or
// candidate contents beyond envelope validation; sessions are negotiated
// peer to peer.
// SignalRelay forwards signaling to peers connected to other rendezvous
// instances. Presence is shared, so a peer may be known while its websocket
// lives elsewhere.
type SignalRelay interface {
	PublishSignal(ctx context.Context, msg domain.SignalingMessage) error
}

type Server struct {
	cfg      ServerConfig
	presence ports.PresenceRepository
	relay    SignalRelay

	connections map[domain.PeerID]*peerConn
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

type peerConn struct {
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

func NewServer(cfg ServerConfig, presence ports.PresenceRepository, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:         cfg,
		presence:    presence,
		connections: make(map[domain.PeerID]*peerConn),
		logger:      logger,
	}
}

// SetRelay enables cross-instance routing. Call before serving connections.
func (s *Server) SetRelay(r SignalRelay) {
	s.relay = r
}

// DeliverLocal hands a relayed message to the target peer if it is connected
// here. Messages for peers on other instances are ignored; their own
// instance delivers them.
func (s *Server) DeliverLocal(msg domain.SignalingMessage) {
	if !s.IsPeerConnected(msg.To) {
		return
	}
	if err := s.sendToPeer(msg.To, msg); err != nil {
		s.logger.Infow("relayed message delivery failed", "peer_id", msg.To, "error", err)
	}
}

// HandleWebSocket upgrades the request and serves the peer until it
// disconnects. Peers authenticate with a JWT carrying their peer id; a
// reconnecting peer replaces its previous connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID, err := s.authenticate(r)
	if err != nil {
		s.logger.Warnw("websocket auth failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pc := &peerConn{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst),
	}

	s.mu.Lock()
	existing, isReconnect := s.connections[peerID]
	if isReconnect && existing != nil {
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peerID)
	}
	s.connections[peerID] = pc
	s.mu.Unlock()

	now := time.Now()
	info := &domain.PeerInfo{ID: peerID, ConnectedAt: now, LastSeen: now}
	if err := s.presence.Register(r.Context(), info); err != nil {
		s.logger.Errorw("presence register failed", "peer_id", peerID, "error", err)
	}

	s.logger.Infow("peer connected", "peer_id", peerID, "reconnect", isReconnect)
	if !isReconnect {
		s.broadcast(peerID, domain.SignalingMessage{
			Type:    domain.SignalPeerJoined,
			Payload: mustJSON(info),
		})
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.SignalingMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg domain.SignalingMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			messageChan <- msg
		}
	}()

loop:
	for {
		select {
		case msg := <-messageChan:
			if !pc.limiter.Allow() {
				s.logger.Warnw("rate limit exceeded, dropping message", "peer_id", peerID, "type", msg.Type)
				continue
			}
			if err := s.handleMessage(r.Context(), peerID, msg); err != nil {
				s.logger.Infow("error handling message", "peer_id", peerID, "type", msg.Type, "error", err)
				s.send(pc, domain.NewSignalingError(peerID, err.Error()))
			}

		case <-pingTicker.C:
			pc.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			pc.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "peer_id", peerID, "error", err)
				break loop
			}
			if err := s.presence.Touch(r.Context(), peerID); err != nil {
				s.logger.Debugw("presence touch failed", "peer_id", peerID, "error", err)
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "peer_id", peerID, "error", err)
			}
			break loop
		}
	}

	s.mu.Lock()
	// A reconnect may already have replaced this entry.
	if current, ok := s.connections[peerID]; ok && current == pc {
		delete(s.connections, peerID)
	}
	s.mu.Unlock()

	if err := s.presence.Unregister(context.Background(), peerID); err != nil {
		s.logger.Infow("presence unregister failed", "peer_id", peerID, "error", err)
	}

	s.broadcast(peerID, domain.SignalingMessage{
		Type:    domain.SignalPeerLeft,
		Payload: mustJSON(domain.PeerInfo{ID: peerID, LastSeen: time.Now()}),
	})
	s.logger.Infow("peer disconnected", "peer_id", peerID)
}

func (s *Server) authenticate(r *http.Request) (domain.PeerID, error) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		return "", fmt.Errorf("missing token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return domain.PeerID(sub), nil
}

func (s *Server) handleMessage(ctx context.Context, peerID domain.PeerID, msg domain.SignalingMessage) error {
	if !msg.Type.Known() {
		return &domain.ProtocolError{MessageType: string(msg.Type), Reason: "unknown message type"}
	}
	if msg.From != "" && msg.From != peerID {
		return fmt.Errorf("from mismatch: expected %s, got %s", peerID, msg.From)
	}
	msg.From = peerID

	switch msg.Type {
	case domain.SignalListPeers:
		return s.handleListPeers(ctx, peerID)
	case domain.SignalPing:
		return s.sendToPeer(peerID, domain.SignalingMessage{Type: domain.SignalPong, To: peerID})
	case domain.SignalPong:
		return s.presence.Touch(ctx, peerID)
	case domain.SignalOffer, domain.SignalAnswer, domain.SignalICECandidate,
		domain.SignalConnectionRequest, domain.SignalConnectionAccepted,
		domain.SignalConnectionRejected:
		return s.route(peerID, msg)
	default:
		return fmt.Errorf("message type %s is not accepted from peers", msg.Type)
	}
}

func (s *Server) handleListPeers(ctx context.Context, peerID domain.PeerID) error {
	peers, err := s.presence.List(ctx)
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	visible := make([]domain.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.ID != peerID {
			visible = append(visible, p)
		}
	}
	return s.sendToPeer(peerID, domain.NewPeerList(peerID, visible))
}

// route forwards a peer-addressed message verbatim. The server validates the
// envelope only; payloads are opaque to it.
func (s *Server) route(from domain.PeerID, msg domain.SignalingMessage) error {
	if msg.To == "" {
		return fmt.Errorf("message type %s requires a target peer", msg.Type)
	}
	if msg.To == from {
		return fmt.Errorf("cannot address messages to self")
	}
	if !s.IsPeerConnected(msg.To) {
		// The peer may be connected to another instance.
		if s.relay != nil && s.peerKnown(msg.To) {
			s.logger.Debugw("relaying message", "type", msg.Type, "from", from, "to", msg.To)
			return s.relay.PublishSignal(context.Background(), msg)
		}
		return fmt.Errorf("target peer %s is not connected", msg.To)
	}

	s.logger.Debugw("routing message",
		"type", msg.Type,
		"from", from,
		"to", msg.To,
	)
	return s.sendToPeer(msg.To, msg)
}

// peerKnown consults shared presence for peers not connected locally.
func (s *Server) peerKnown(peerID domain.PeerID) bool {
	_, err := s.presence.Get(context.Background(), peerID)
	return err == nil
}

func (s *Server) sendToPeer(peerID domain.PeerID, msg domain.SignalingMessage) error {
	s.mu.RLock()
	pc, exists := s.connections[peerID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("peer %s not connected", peerID)
	}
	return s.send(pc, msg)
}

func (s *Server) send(pc *peerConn, msg domain.SignalingMessage) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	pc.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return pc.conn.WriteJSON(msg)
}

// broadcast delivers a message to every connected peer except the origin.
func (s *Server) broadcast(origin domain.PeerID, msg domain.SignalingMessage) {
	s.mu.RLock()
	targets := make(map[domain.PeerID]*peerConn, len(s.connections))
	for id, pc := range s.connections {
		if id != origin {
			targets[id] = pc
		}
	}
	s.mu.RUnlock()

	for id, pc := range targets {
		if err := s.send(pc, msg); err != nil {
			s.logger.Debugw("broadcast send failed", "peer_id", id, "error", err)
		}
	}
}

func (s *Server) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for peerID := range s.connections {
		peers = append(peers, peerID)
	}
	return peers
}

func (s *Server) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[peerID]
	return exists
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
