package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// presenceTTL bounds how long a peer stays listed without a Touch. A crashed
// rendezvous instance therefore cannot leave ghost peers behind.
const presenceTTL = 2 * time.Minute

type RedisPresenceRepository struct {
	client *redis.Client
	prefix string
	setKey string
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceRepository {
	return &RedisPresenceRepository{
		client: client,
		prefix: "deskbridge:peer:",
		setKey: "deskbridge:peers",
	}
}

func (r *RedisPresenceRepository) peerKey(id domain.PeerID) string {
	return r.prefix + string(id)
}

func (r *RedisPresenceRepository) Register(ctx context.Context, info *domain.PeerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal peer info: %w", err)
	}

	if err := r.client.Set(ctx, r.peerKey(info.ID), data, presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set peer in Redis: %w", err)
	}
	if err := r.client.SAdd(ctx, r.setKey, string(info.ID)).Err(); err != nil {
		return fmt.Errorf("failed to add peer to presence set: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Touch(ctx context.Context, id domain.PeerID) error {
	info, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	info.LastSeen = time.Now()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal peer info: %w", err)
	}
	if err := r.client.Set(ctx, r.peerKey(id), data, presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh peer in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Unregister(ctx context.Context, id domain.PeerID) error {
	if err := r.client.SRem(ctx, r.setKey, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove peer from presence set: %w", err)
	}
	if err := r.client.Del(ctx, r.peerKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete peer from Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Get(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error) {
	data, err := r.client.Get(ctx, r.peerKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer from Redis: %w", err)
	}

	var info domain.PeerInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer info: %w", err)
	}
	return &info, nil
}

func (r *RedisPresenceRepository) List(ctx context.Context) ([]domain.PeerInfo, error) {
	ids, err := r.client.SMembers(ctx, r.setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence set: %w", err)
	}

	peers := make([]domain.PeerInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Get(ctx, domain.PeerID(id))
		if err == domain.ErrPeerNotFound {
			// TTL expired between SMembers and Get; drop the stale set
			// entry.
			r.client.SRem(ctx, r.setKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		peers = append(peers, *info)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}
