package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
)

type MemoryPresenceRepository struct {
	peers map[domain.PeerID]*domain.PeerInfo
	mu    sync.RWMutex
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		peers: make(map[domain.PeerID]*domain.PeerInfo),
	}
}

func (r *MemoryPresenceRepository) Register(ctx context.Context, info *domain.PeerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-registering replaces the previous record, matching the
	// reconnect-replace behavior of the rendezvous server.
	r.peers[info.ID] = info
	return nil
}

func (r *MemoryPresenceRepository) Touch(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	info.LastSeen = time.Now()
	return nil
}

func (r *MemoryPresenceRepository) Unregister(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}
	delete(r.peers, id)
	return nil
}

func (r *MemoryPresenceRepository) Get(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.peers[id]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}
	copied := *info
	return &copied, nil
}

func (r *MemoryPresenceRepository) List(ctx context.Context) ([]domain.PeerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]domain.PeerInfo, 0, len(r.peers))
	for _, info := range r.peers {
		peers = append(peers, *info)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}
