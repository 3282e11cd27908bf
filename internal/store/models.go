package store

import "time"

type User struct {
	ID           string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Document is the durable metadata record for one document. The content
// itself lives in the snapshot blob store, keyed by ID. An empty OwnerID
// marks an ownerless document, open to anyone including anonymous callers.
type Document struct {
	ID        string
	Title     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentRole grants a user a per-document role ("editor" or "viewer").
type DocumentRole struct {
	DocumentID string
	UserID     string
	Role       string
	GrantedAt  time.Time
}
