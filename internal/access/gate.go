// Package access decides whether a user may attach to a document and
// with which role. The session layer consumes the decision as an opaque
// capability; policy lives entirely here.
package access

import (
	"context"
	"errors"
	"fmt"

	"crdocst/server/internal/rbac"
	"crdocst/server/internal/store"
)

// MetadataStore is the slice of the document store the gate needs.
type MetadataStore interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	GetDocumentRole(ctx context.Context, documentID, userID string) (string, error)
}

type Gate struct {
	store MetadataStore
}

func NewGate(metadata MetadataStore) *Gate {
	return &Gate{store: metadata}
}

// Check authorizes identity (a user ID, or empty for anonymous) against
// a document. Rules: a document with no metadata record or no owner is
// open to everyone as editor; the owner is always editor; other users
// get their granted role, or nothing.
func (g *Gate) Check(ctx context.Context, documentID, identity string) (bool, rbac.Role, error) {
	doc, err := g.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		// Unregistered documents behave as ownerless scratch pads.
		return true, rbac.RoleEditor, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("load document %s: %w", documentID, err)
	}

	if doc.OwnerID == "" {
		return true, rbac.RoleEditor, nil
	}
	if identity == "" {
		return false, "", nil
	}
	if doc.OwnerID == identity {
		return true, rbac.RoleEditor, nil
	}

	role, err := g.store.GetDocumentRole(ctx, documentID, identity)
	if errors.Is(err, store.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("load role for %s on %s: %w", identity, documentID, err)
	}
	return true, rbac.Normalize(role), nil
}
