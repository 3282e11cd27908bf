package app

import (
	"context"
	"log"
	"net/http"
	"strings"

	"crdocst/server/internal/authpw"
	"crdocst/server/internal/rbac"
	"crdocst/server/internal/search"
	"crdocst/server/internal/store"
	"crdocst/server/internal/util"
)

// Session is the authenticated caller on an API request.
type Session struct {
	UserID   string
	UserName string
}

type dataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocumentsForUser(context.Context, string) ([]store.Document, error)
	RenameDocument(context.Context, string, string) error
	DeleteDocument(context.Context, string) error
	UpsertDocumentRole(context.Context, store.DocumentRole) error
	GetDocumentRole(context.Context, string, string) (string, error)
	ListDocumentRoles(context.Context, string) ([]store.DocumentRole, error)
	DeleteDocumentRoles(context.Context, string) error
	GetUserByName(context.Context, string) (store.User, error)
	Ping(ctx context.Context) error
}

type accountService interface {
	Register(ctx context.Context, name, password string) (*authpw.Session, error)
	Login(ctx context.Context, name, password string) (*authpw.Session, error)
	Authenticate(ctx context.Context, token string) (store.User, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
}

// liveRegistry is the slice of the session registry the API consumes:
// residency for status reporting and dropping replicas on delete.
type liveRegistry interface {
	Resident(documentID string) bool
	Drop(documentID string)
}

type snapshotStore interface {
	DeleteSnapshot(ctx context.Context, documentID string) error
	GetCollaborators(ctx context.Context, documentID string) ([]string, error)
	ClearCollaborators(ctx context.Context, documentID string) error
	Ping(ctx context.Context) error
}

// Service implements the document management API on top of the
// metadata store, the live session registry, and the snapshot backend.
type Service struct {
	store     dataStore
	accounts  accountService
	search    searchService
	registry  liveRegistry
	snapshots snapshotStore
}

func NewService(data dataStore, accounts accountService, searcher searchService, registry liveRegistry, snapshots snapshotStore) *Service {
	return &Service{
		store:     data,
		accounts:  accounts,
		search:    searcher,
		registry:  registry,
		snapshots: snapshots,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingPresence(ctx context.Context) error {
	return s.snapshots.Ping(ctx)
}

// Register creates an account and returns a signed-in session payload.
func (s *Service) Register(ctx context.Context, name, password string) (map[string]any, error) {
	sess, err := s.accounts.Register(ctx, name, password)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "REGISTER_FAILED", err.Error(), nil)
	}
	return sessionPayload(sess), nil
}

// Login exchanges credentials for a token payload.
func (s *Service) Login(ctx context.Context, name, password string) (map[string]any, error) {
	sess, err := s.accounts.Login(ctx, name, password)
	if err != nil {
		return nil, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid name or password", nil)
	}
	return sessionPayload(sess), nil
}

// SessionFromToken resolves a bearer token to the calling user.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	user, err := s.accounts.Authenticate(ctx, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: user.ID, UserName: user.Name}, nil
}

// CreateDocument registers a new document owned by the caller and adds
// it to the search index.
func (s *Service) CreateDocument(ctx context.Context, session Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}

	doc := store.Document{
		ID:      util.NewID("doc"),
		Title:   title,
		OwnerID: session.UserID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Title: doc.Title, OwnerID: doc.OwnerID})

	stored, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		// The insert succeeded; fall back to what we wrote.
		stored = doc
	}
	return s.documentPayload(stored), nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(ctx, doc, session); err != nil {
		return nil, err
	}
	payload := s.documentPayload(doc)
	if collaborators, err := s.snapshots.GetCollaborators(ctx, documentID); err == nil {
		payload["collaborators"] = nonNilStrings(collaborators)
	}
	return payload, nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session) ([]map[string]any, error) {
	docs, err := s.store.ListDocumentsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, s.documentPayload(doc))
	}
	return items, nil
}

// RenameDocument changes a title. The caller needs write access: the
// owner, an editor grant, or anyone for an ownerless document.
func (s *Service) RenameDocument(ctx context.Context, session Session, documentID, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeWrite(ctx, doc, session); err != nil {
		return nil, err
	}

	if err := s.store.RenameDocument(ctx, documentID, title); err != nil {
		return nil, err
	}
	s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Title: title, OwnerID: doc.OwnerID})

	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.documentPayload(updated), nil
}

// DeleteDocument removes a document everywhere: metadata and grants,
// the live replica, the stored snapshot, the presence set, and the
// search index. Only the owner may delete an owned document.
func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != "" && doc.OwnerID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can delete a document", nil)
	}

	// Drop the live replica first so a resident session cannot flush
	// the snapshot back after we delete it.
	s.registry.Drop(documentID)

	if err := s.store.DeleteDocumentRoles(ctx, documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.snapshots.DeleteSnapshot(ctx, documentID); err != nil {
		log.Printf("app: delete snapshot for %s: %v", documentID, err)
	}
	if err := s.snapshots.ClearCollaborators(ctx, documentID); err != nil {
		log.Printf("app: clear collaborators for %s: %v", documentID, err)
	}
	s.search.DeleteDocument(documentID)
	return nil
}

// ShareDocument grants a role on a document to another user by name.
// Only the owner can manage grants.
func (s *Service) ShareDocument(ctx context.Context, session Session, documentID, userName, role string) (map[string]any, error) {
	normalized := rbac.Role(role)
	if normalized != rbac.RoleEditor && normalized != rbac.RoleViewer {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be editor or viewer", nil)
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID == "" || doc.OwnerID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can share a document", nil)
	}

	grantee, err := s.store.GetUserByName(ctx, strings.TrimSpace(userName))
	if err != nil {
		return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No such user", nil)
	}
	if grantee.ID == doc.OwnerID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "the owner already has full access", nil)
	}

	if err := s.store.UpsertDocumentRole(ctx, store.DocumentRole{
		DocumentID: documentID,
		UserID:     grantee.ID,
		Role:       string(normalized),
	}); err != nil {
		return nil, err
	}
	return map[string]any{
		"documentId": documentID,
		"userId":     grantee.ID,
		"userName":   grantee.Name,
		"role":       string(normalized),
	}, nil
}

// DocumentRoles lists the grants on a document. Owner only.
func (s *Service) DocumentRoles(ctx context.Context, session Session, documentID string) ([]map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != "" && doc.OwnerID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can list grants", nil)
	}

	roles, err := s.store.ListDocumentRoles(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		items = append(items, map[string]any{
			"userId":    role.UserID,
			"role":      role.Role,
			"grantedAt": role.GrantedAt,
		})
	}
	return items, nil
}

// Search runs a title query.
func (s *Service) Search(ctx context.Context, text string, limit, offset int) search.Response {
	return s.search.Search(search.Query{Text: text, Limit: limit, Offset: offset})
}

func (s *Service) authorizeRead(ctx context.Context, doc store.Document, session Session) error {
	_, err := s.roleFor(ctx, doc, session)
	return err
}

func (s *Service) authorizeWrite(ctx context.Context, doc store.Document, session Session) error {
	role, err := s.roleFor(ctx, doc, session)
	if err != nil {
		return err
	}
	if !rbac.Can(role, rbac.ActionWrite) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Write access required", nil)
	}
	return nil
}

// roleFor mirrors the gate the websocket side uses: ownerless documents
// are open as editor, owners are editors, everyone else needs a grant.
func (s *Service) roleFor(ctx context.Context, doc store.Document, session Session) (rbac.Role, error) {
	if doc.OwnerID == "" || doc.OwnerID == session.UserID {
		return rbac.RoleEditor, nil
	}
	role, err := s.store.GetDocumentRole(ctx, doc.ID, session.UserID)
	if err != nil {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return rbac.Normalize(role), nil
}

func (s *Service) documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"ownerId":   doc.OwnerID,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
		"active":    s.registry.Resident(doc.ID),
	}
}

func sessionPayload(sess *authpw.Session) map[string]any {
	return map[string]any{
		"token":    sess.Token,
		"userId":   sess.User.ID,
		"userName": sess.User.Name,
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
