package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	const insert = `
		INSERT INTO users (id, name, password_hash)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.ExecContext(ctx, insert, user.ID, user.Name, user.PasswordHash); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	const query = `SELECT id, name, password_hash, created_at FROM users WHERE name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, name).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by name: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	const query = `SELECT id, name, password_hash, created_at FROM users WHERE id = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	const insert = `
		INSERT INTO documents (id, title, owner_id)
		VALUES ($1, $2, NULLIF($3, ''))
	`
	if _, err := s.db.ExecContext(ctx, insert, doc.ID, doc.Title, doc.OwnerID); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	const query = `
		SELECT id, title, COALESCE(owner_id, ''), created_at, updated_at
		FROM documents WHERE id = $1
	`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("lookup document: %w", err)
	}
	return doc, nil
}

// ListDocumentsForUser returns documents the user owns or has a role on,
// plus ownerless documents, newest first.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	const query = `
		SELECT DISTINCT d.id, d.title, COALESCE(d.owner_id, ''), d.created_at, d.updated_at
		FROM documents d
		LEFT JOIN document_roles r ON r.document_id = d.id
		WHERE d.owner_id IS NULL OR d.owner_id = $1 OR r.user_id = $1
		ORDER BY d.updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) RenameDocument(ctx context.Context, id, title string) error {
	const update = `UPDATE documents SET title = $2, updated_at = NOW() WHERE id = $1`
	result, err := s.db.ExecContext(ctx, update, id, title)
	if err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	const del = `DELETE FROM documents WHERE id = $1`
	result, err := s.db.ExecContext(ctx, del, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertDocumentRole(ctx context.Context, role DocumentRole) error {
	const upsert = `
		INSERT INTO document_roles (document_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = EXCLUDED.role, granted_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, upsert, role.DocumentID, role.UserID, role.Role); err != nil {
		return fmt.Errorf("upsert document role: %w", err)
	}
	return nil
}

// GetDocumentRole returns the role granted to userID on documentID, or
// ErrNotFound when no grant exists.
func (s *PostgresStore) GetDocumentRole(ctx context.Context, documentID, userID string) (string, error) {
	const query = `SELECT role FROM document_roles WHERE document_id = $1 AND user_id = $2`
	var role string
	err := s.db.QueryRowContext(ctx, query, documentID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup document role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListDocumentRoles(ctx context.Context, documentID string) ([]DocumentRole, error) {
	const query = `
		SELECT document_id, user_id, role, granted_at
		FROM document_roles WHERE document_id = $1 ORDER BY granted_at
	`
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document roles: %w", err)
	}
	defer rows.Close()

	var roles []DocumentRole
	for rows.Next() {
		var role DocumentRole
		if err := rows.Scan(&role.DocumentID, &role.UserID, &role.Role, &role.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan document role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) DeleteDocumentRoles(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_roles WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete document roles: %w", err)
	}
	return nil
}
