package ports

import (
	"context"

	"deskbridge/internal/core/domain"
)

// PresenceRepository tracks which peers are currently registered with the
// rendezvous service.
type PresenceRepository interface {
	Register(ctx context.Context, info *domain.PeerInfo) error
	Touch(ctx context.Context, id domain.PeerID) error
	Unregister(ctx context.Context, id domain.PeerID) error
	Get(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error)
	List(ctx context.Context) ([]domain.PeerInfo, error)
}
