package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore tracks which user identities are currently attached to
// each document, as a Redis set per document. Other processes and
// clients can query "who is here" without touching the session manager.
type PresenceStore struct {
	client *redis.Client
	prefix string
}

func NewPresenceStore(redisURL string) (*PresenceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &PresenceStore{client: client, prefix: "presence:"}, nil
}

// NewPresenceStoreWithClient wraps an existing Redis client.
func NewPresenceStoreWithClient(client *redis.Client) *PresenceStore {
	return &PresenceStore{client: client, prefix: "presence:"}
}

func (s *PresenceStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *PresenceStore) GetCollaborators(ctx context.Context, documentID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get collaborators: %w", err)
	}
	return members, nil
}

func (s *PresenceStore) AddCollaborator(ctx context.Context, documentID, user string) error {
	if err := s.client.SAdd(ctx, s.key(documentID), user).Err(); err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PresenceStore) RemoveCollaborator(ctx context.Context, documentID, user string) error {
	if err := s.client.SRem(ctx, s.key(documentID), user).Err(); err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

// Clear drops the whole presence set for a document.
func (s *PresenceStore) Clear(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("clear collaborators: %w", err)
	}
	return nil
}

func (s *PresenceStore) Close() error {
	return s.client.Close()
}

func (s *PresenceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
