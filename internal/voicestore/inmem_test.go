package voicestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalbridge/gateway/internal/voicestore"
)

func TestInMemoryStoreAndGetArtifact(t *testing.T) {
	ctx := context.Background()
	store := voicestore.NewInMemory()

	a := voicestore.Artifact{ID: "art-1", SessionID: "sess-1", Type: voicestore.ArtifactUserInput}
	stored, err := store.StoreArtifact(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "art-1", stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())

	fetched, err := store.GetArtifact(ctx, "sess-1", "art-1")
	require.NoError(t, err)
	assert.Equal(t, voicestore.ArtifactUserInput, fetched.Type)
}

func TestInMemoryGetArtifactWrongSessionNotFound(t *testing.T) {
	ctx := context.Background()
	store := voicestore.NewInMemory()
	_, err := store.StoreArtifact(ctx, voicestore.Artifact{ID: "art-1", SessionID: "sess-1"})
	require.NoError(t, err)

	_, err = store.GetArtifact(ctx, "sess-2", "art-1")
	assert.ErrorIs(t, err, voicestore.ErrNotFound)
}

func TestInMemoryUpdateTranscript(t *testing.T) {
	ctx := context.Background()
	store := voicestore.NewInMemory()
	_, err := store.StoreArtifact(ctx, voicestore.Artifact{ID: "art-1", SessionID: "sess-1"})
	require.NoError(t, err)

	updated, err := store.UpdateTranscript(ctx, "sess-1", "art-1", "order status please")
	require.NoError(t, err)
	require.NotNil(t, updated.Transcript)
	assert.Equal(t, "order status please", *updated.Transcript)
}

func TestInMemoryUpdateTranscriptMissingArtifactNotFound(t *testing.T) {
	store := voicestore.NewInMemory()
	_, err := store.UpdateTranscript(context.Background(), "sess-1", "missing", "x")
	assert.ErrorIs(t, err, voicestore.ErrNotFound)
}

func TestInMemoryListArtifactsBySessionOrdersByCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := voicestore.NewInMemory()

	first, err := store.StoreArtifact(ctx, voicestore.Artifact{ID: "a1", SessionID: "s1"})
	require.NoError(t, err)
	second, err := store.StoreArtifact(ctx, voicestore.Artifact{ID: "a2", SessionID: "s1", CreatedAt: first.CreatedAt.Add(time.Second)})
	require.NoError(t, err)
	_, err = store.StoreArtifact(ctx, voicestore.Artifact{ID: "a3", SessionID: "s2"})
	require.NoError(t, err)

	list, err := store.ListArtifactsBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}
