package snapshot

import "context"

// Store joins the blob and presence backends into the single
// snapshot-store capability the session layer consumes.
type Store struct {
	blobs    *BlobStore
	presence *PresenceStore
}

func NewStore(blobs *BlobStore, presence *PresenceStore) *Store {
	return &Store{blobs: blobs, presence: presence}
}

func (s *Store) GetSnapshot(ctx context.Context, documentID string) ([]byte, bool, error) {
	return s.blobs.GetSnapshot(ctx, documentID)
}

func (s *Store) PutSnapshot(ctx context.Context, documentID string, data []byte) error {
	return s.blobs.PutSnapshot(ctx, documentID, data)
}

func (s *Store) DeleteSnapshot(ctx context.Context, documentID string) error {
	return s.blobs.DeleteSnapshot(ctx, documentID)
}

func (s *Store) GetCollaborators(ctx context.Context, documentID string) ([]string, error) {
	return s.presence.GetCollaborators(ctx, documentID)
}

func (s *Store) AddCollaborator(ctx context.Context, documentID, user string) error {
	return s.presence.AddCollaborator(ctx, documentID, user)
}

func (s *Store) RemoveCollaborator(ctx context.Context, documentID, user string) error {
	return s.presence.RemoveCollaborator(ctx, documentID, user)
}

func (s *Store) ClearCollaborators(ctx context.Context, documentID string) error {
	return s.presence.Clear(ctx, documentID)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.presence.Ping(ctx)
}
