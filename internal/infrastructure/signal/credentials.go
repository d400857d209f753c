package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
)

// RESTCredentialProvider obtains signaling tokens from the rendezvous token
// endpoint. The peer id is assigned on first issuance and kept stable across
// renewals.
type RESTCredentialProvider struct {
	tokenURL string
	name     string
	client   *http.Client

	mu        sync.Mutex
	peerID    domain.PeerID
	token     string
	expiresAt time.Time
}

var _ ports.CredentialProvider = (*RESTCredentialProvider)(nil)

// NewRESTCredentialProvider derives the token endpoint from the signaling
// websocket URL: ws(s)://host/ws becomes http(s)://host/api/v1/token.
func NewRESTCredentialProvider(signalingURL, name string) (*RESTCredentialProvider, error) {
	u, err := url.Parse(signalingURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/v1/token"
	u.RawQuery = ""

	return &RESTCredentialProvider{
		tokenURL: u.String(),
		name:     name,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *RESTCredentialProvider) PeerID() domain.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID
}

// UsePeerID presets the identity requested from the token endpoint, so an
// agent restoring persisted state keeps its peer id across restarts.
func (p *RESTCredentialProvider) UsePeerID(id domain.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerID = id
}

// SessionSecret returns a valid signaling token, renewing it when it is near
// expiry.
func (p *RESTCredentialProvider) SessionSecret() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Until(p.expiresAt) > time.Minute {
		return p.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"peer_id": string(p.peerID),
		"name":    p.name,
	})
	if err != nil {
		return "", err
	}

	resp, err := p.client.Post(p.tokenURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", &domain.TransportError{Op: "token request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &domain.TransportError{
			Op:  "token request",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var issued struct {
		PeerID    string `json:"peer_id"`
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		return "", &domain.TransportError{Op: "token decode", Err: err}
	}

	p.peerID = domain.PeerID(issued.PeerID)
	p.token = issued.Token
	p.expiresAt = time.Unix(issued.ExpiresAt, 0)
	return p.token, nil
}
