package memory

import (
	"context"
	"testing"
	"time"

	"deskbridge/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	now := time.Now()
	err := repo.Register(ctx, &domain.PeerInfo{ID: "alpha", Name: "Alpha", ConnectedAt: now, LastSeen: now})
	require.NoError(t, err)

	info, err := repo.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("alpha"), info.ID)
	assert.Equal(t, "Alpha", info.Name)
}

func TestGetReturnsCopy(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &domain.PeerInfo{ID: "alpha", Name: "Alpha"}))

	info, err := repo.Get(ctx, "alpha")
	require.NoError(t, err)
	info.Name = "mutated"

	again, err := repo.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", again.Name)
}

func TestRegisterReplacesExisting(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &domain.PeerInfo{ID: "alpha", Name: "old"}))
	require.NoError(t, repo.Register(ctx, &domain.PeerInfo{ID: "alpha", Name: "new"}))

	info, err := repo.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "new", info.Name)

	peers, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, repo.Register(ctx, &domain.PeerInfo{ID: "alpha", LastSeen: past}))

	require.NoError(t, repo.Touch(ctx, "alpha"))

	info, err := repo.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, info.LastSeen.After(past))
}

func TestUnknownPeerErrors(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	_, err := repo.Get(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)

	assert.ErrorIs(t, repo.Touch(ctx, "ghost"), domain.ErrPeerNotFound)
	assert.ErrorIs(t, repo.Unregister(ctx, "ghost"), domain.ErrPeerNotFound)
}

func TestListSortedByID(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	for _, id := range []domain.PeerID{"charlie", "alpha", "bravo"} {
		require.NoError(t, repo.Register(ctx, &domain.PeerInfo{ID: id}))
	}

	peers, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 3)
	assert.Equal(t, domain.PeerID("alpha"), peers[0].ID)
	assert.Equal(t, domain.PeerID("bravo"), peers[1].ID)
	assert.Equal(t, domain.PeerID("charlie"), peers[2].ID)
}

func TestUnregisterRemoves(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &domain.PeerInfo{ID: "alpha"}))
	require.NoError(t, repo.Unregister(ctx, "alpha"))

	_, err := repo.Get(ctx, "alpha")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}
