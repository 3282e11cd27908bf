// Package authpw provides username/password account management.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"crdocst/server/internal/auth"
	"crdocst/server/internal/store"
	"crdocst/server/internal/util"
)

// Service registers accounts and exchanges credentials for signed
// identity tokens.
type Service struct {
	store       UserStore
	tokenSecret []byte
	accessTTL   time.Duration
}

// UserStore defines the storage interface for accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

func NewService(users UserStore, tokenSecret []byte, accessTTL time.Duration) *Service {
	return &Service{store: users, tokenSecret: tokenSecret, accessTTL: accessTTL}
}

// Session is the result of a successful register or login.
type Session struct {
	User  store.User
	Token string
}

// Register creates a new account and signs the caller in.
func (s *Service) Register(ctx context.Context, name, password string) (*Session, error) {
	if name == "" || password == "" {
		return nil, errors.New("name and password are required")
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByName(ctx, name); err == nil {
		return nil, errors.New("name already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Name:         name,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return s.issue(user)
}

// Login authenticates a user and returns a fresh identity token.
func (s *Service) Login(ctx context.Context, name, password string) (*Session, error) {
	if name == "" || password == "" {
		return nil, errors.New("name and password are required")
	}

	user, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		// Same answer for unknown name and wrong password.
		return nil, errors.New("invalid name or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, errors.New("invalid name or password")
	}

	return s.issue(user)
}

// Authenticate resolves a bearer token to the account it was issued to.
func (s *Service) Authenticate(ctx context.Context, token string) (store.User, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return store.User{}, fmt.Errorf("resolve token subject: %w", err)
	}
	return user, nil
}

func (s *Service) issue(user store.User) (*Session, error) {
	token, err := auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		Exp:  time.Now().Add(s.accessTTL).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{User: user, Token: token}, nil
}
