package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/models"
	"go.uber.org/zap"
)

// setupTestRepository connects to REDIS_TEST_ADDR (default localhost:6379)
// and skips the test when no server is reachable
func setupTestRepository(t *testing.T) *ConversationRepository {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	repo, err := NewConversationRepository(config.RedisConfig{
		Addr:      addr,
		KeyPrefix: "test:conversation:" + t.Name() + ":",
		TTL:       time.Minute,
	}, zap.NewNop())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestConversationRepository_Key(t *testing.T) {
	repo := NewConversationRepositoryWithClient(nil, "", time.Minute, zap.NewNop())
	assert.Equal(t, "conversation:abc", repo.key("abc"))

	repo = NewConversationRepositoryWithClient(nil, "chat:", time.Minute, zap.NewNop())
	assert.Equal(t, "chat:abc", repo.key("abc"))
}

func TestConversationRepository_LoadMissing(t *testing.T) {
	repo := setupTestRepository(t)

	conv, err := repo.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestConversationRepository_SaveLoadDelete(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	conv := models.NewConversationContext("conv-1")
	conv.Turns = append(conv.Turns, models.Turn{
		Role:      models.RoleAssistant,
		Prompt:    "hello",
		Content:   "hi there",
		BackendID: "openai-gpt",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	})
	conv.ActiveBackendID = "openai-gpt"

	require.NoError(t, repo.Save(ctx, conv))

	loaded, err := repo.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "conv-1", loaded.ID)
	assert.Equal(t, "openai-gpt", loaded.ActiveBackendID)
	require.Len(t, loaded.Turns, 1)
	assert.Equal(t, "hello", loaded.Turns[0].Prompt)
	assert.Equal(t, "hi there", loaded.Turns[0].Content)

	ttl, err := repo.client.TTL(ctx, repo.key("conv-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, repo.Delete(ctx, "conv-1"))
	loaded, err = repo.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// deleting again is fine
	assert.NoError(t, repo.Delete(ctx, "conv-1"))
}

func TestConversationRepository_CorruptPayload(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.client.Set(ctx, repo.key("bad"), "{not json", time.Minute).Err())
	t.Cleanup(func() { _ = repo.Delete(ctx, "bad") })

	_, err := repo.Load(ctx, "bad")
	assert.Error(t, err)
}
