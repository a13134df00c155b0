package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/NicolasHaas/gokarma/pkg/model"
)

var (
	ErrUsernameTaken     = errors.New("datastore: username already taken")
	ErrUserNotFound      = errors.New("datastore: user not found")
	ErrIncorrectPassword = errors.New("datastore: incorrect password")
	ErrSessionNotFound   = errors.New("datastore: session not found")
	ErrPostNotFound      = errors.New("datastore: post not found")
	ErrPostClosed        = errors.New("datastore: post is closed for voting")
)

// DataStore defines the persistence interface for all GoKarma entities.
// Implementations are the SQLite store and an in-memory store for tests.
// Each call is atomic on its own; callers never hold a transaction open.
type DataStore interface {
	SessionStore
	UserStore
	PostStore
	SettlementStore

	// Close closes the underlying storage connection.
	Close() error
}

// Compile-time checks.
var (
	_ DataStore = (*SQLStore)(nil)
	_ DataStore = (*MemoryStore)(nil)
)

// SessionStore tracks issued tokens. A token absent from the store has been
// logged out and must be rejected even if its signature is still valid.
type SessionStore interface {
	CreateSession(ctx context.Context, token string, userID int64) error
	// RenewSession replaces oldToken with newToken. Returns ErrSessionNotFound
	// if oldToken is not stored.
	RenewSession(ctx context.Context, oldToken, newToken string) error
	DeleteSession(ctx context.Context, token string) error
}

type UserStore interface {
	// CreateUser validates, hashes the password and inserts a new user with
	// zero karma and streak. Returns ErrUsernameTaken on a duplicate name.
	CreateUser(ctx context.Context, username, password string) (*model.User, error)
	// FindUserByCredentials returns ErrUserNotFound or ErrIncorrectPassword.
	FindUserByCredentials(ctx context.Context, username, password string) (*model.User, error)
	FindUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type PostStore interface {
	CreatePost(ctx context.Context, authorID int64, content string) (*model.Post, error)
	GetPost(ctx context.Context, id int64) (*model.Post, error)
	// FetchValidPosts lists open posts in id order together with viewerID's vote.
	FetchValidPosts(ctx context.Context, viewerID int64) ([]model.PostView, error)
	// UpsertVote records or replaces a vote. Returns ErrPostNotFound or
	// ErrPostClosed when the post cannot take votes.
	UpsertVote(ctx context.Context, vote model.Vote) error
}

// SettlementStore holds the operations used by the karma settlement cycle.
type SettlementStore interface {
	// ExpireStalePosts atomically flips valid to false on every open post
	// created before olderThan and returns those posts in id order.
	ExpireStalePosts(ctx context.Context, olderThan time.Time) ([]model.Post, error)
	// VotesForPosts returns the votes cast on each of postIDs.
	VotesForPosts(ctx context.Context, postIDs []int64) (map[int64][]model.Vote, error)
	// BulkAdjustKarma adds delta to the karma of every listed user and applies
	// op to their streak. Returns the updated rows.
	BulkAdjustKarma(ctx context.Context, userIDs []int64, delta int64, op model.StreakOp) ([]model.User, error)
}
