package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"go.uber.org/zap"
)

const pingTimeout = 5 * time.Second

// ConversationRepository stores conversation snapshots as JSON documents
// keyed by prefix+id, each refreshed to ttl on save.
type ConversationRepository struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

// NewConversationRepository connects to Redis and verifies the connection
func NewConversationRepository(cfg config.RedisConfig, logger *zap.Logger) (*ConversationRepository, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return NewConversationRepositoryWithClient(client, cfg.KeyPrefix, cfg.TTL, logger), nil
}

// NewConversationRepositoryWithClient wraps an existing client
func NewConversationRepositoryWithClient(client *goredis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *ConversationRepository {
	if prefix == "" {
		prefix = "conversation:"
	}
	return &ConversationRepository{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (r *ConversationRepository) key(id string) string {
	return r.prefix + id
}

// Load returns nil, nil when the conversation is not stored
func (r *ConversationRepository) Load(ctx context.Context, id string) (*models.ConversationContext, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	var conv models.ConversationContext
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	if conv.Turns == nil {
		conv.Turns = []models.Turn{}
	}
	return &conv, nil
}

// Save replaces the stored snapshot and refreshes its TTL
func (r *ConversationRepository) Save(ctx context.Context, conv *models.ConversationContext) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
	}

	if err := r.client.Set(ctx, r.key(conv.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}

	r.logger.Debug("conversation saved",
		zap.String("conversation_id", conv.ID),
		zap.Int("turns", len(conv.Turns)))
	return nil
}

// Delete removes the snapshot. Deleting a missing key is not an error.
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// Ping checks connectivity
func (r *ConversationRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (r *ConversationRepository) Close() error {
	return r.client.Close()
}
