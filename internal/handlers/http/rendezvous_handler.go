package http

import (
	"net/http"
	"strings"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
	"deskbridge/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RendezvousHandler exposes the rendezvous REST surface: token issuance,
// peer listing and health.
type RendezvousHandler struct {
	cfg      *config.Config
	presence ports.PresenceRepository
	started  time.Time
}

func NewRendezvousHandler(cfg *config.Config, presence ports.PresenceRepository) *RendezvousHandler {
	return &RendezvousHandler{
		cfg:      cfg,
		presence: presence,
		started:  time.Now(),
	}
}

func (h *RendezvousHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/token", h.IssueToken)
		api.GET("/peers", h.ListPeers)
	}
}

type TokenRequest struct {
	PeerID string `json:"peer_id" binding:"omitempty,max=128"`
	Name   string `json:"name" binding:"omitempty,max=100"`
}

type TokenResponse struct {
	PeerID    string `json:"peer_id"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// IssueToken mints a signaling token. Requests without a peer id get a fresh
// one assigned.
func (h *RendezvousHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	peerID := strings.TrimSpace(req.PeerID)
	if peerID == "" {
		peerID = uuid.New().String()
	}

	expiresAt := time.Now().Add(h.cfg.Auth.TokenTTL)
	claims := jwt.MapClaims{
		"sub": peerID,
		"iat": time.Now().Unix(),
		"exp": expiresAt.Unix(),
	}
	if req.Name != "" {
		claims["name"] = req.Name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.cfg.Auth.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		PeerID:    peerID,
		Token:     signed,
		ExpiresAt: expiresAt.Unix(),
	})
}

// ListPeers returns the currently registered peers.
func (h *RendezvousHandler) ListPeers(c *gin.Context) {
	peers, err := h.presence.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list peers"})
		return
	}
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (h *RendezvousHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().Unix(),
	})
}
