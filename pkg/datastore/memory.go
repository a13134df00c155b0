package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gokarma/pkg/crypto"
	"github.com/NicolasHaas/gokarma/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID int64
	nextPostID int64

	usersByID       map[int64]*memoryUser
	usersByUsername map[string]*memoryUser
	sessions        map[string]int64 // token hash -> user id
	posts           map[int64]*model.Post
	votes           map[voteKey]model.Direction
}

type memoryUser struct {
	user         model.User
	passwordHash string
}

type voteKey struct {
	postID  int64
	voterID int64
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		nextPostID:      1,
		usersByID:       make(map[int64]*memoryUser),
		usersByUsername: make(map[string]*memoryUser),
		sessions:        make(map[string]int64),
		posts:           make(map[int64]*model.Post),
		votes:           make(map[voteKey]model.Direction),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// ---- Sessions ----

func (s *MemoryStore) CreateSession(_ context.Context, token string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByID[userID]; !ok {
		return fmt.Errorf("datastore: create session: constraint failed: FOREIGN KEY constraint failed")
	}
	h := crypto.HashToken(token)
	if _, exists := s.sessions[h]; exists {
		return fmt.Errorf("datastore: create session: constraint failed: UNIQUE constraint failed: sessions.token_hash")
	}
	s.sessions[h] = userID
	return nil
}

func (s *MemoryStore) RenewSession(_ context.Context, oldToken, newToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldHash := crypto.HashToken(oldToken)
	userID, ok := s.sessions[oldHash]
	if !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, oldHash)
	s.sessions[crypto.HashToken(newToken)] = userID
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := crypto.HashToken(token)
	if _, ok := s.sessions[h]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, h)
	return nil
}

// SessionCount returns the number of stored sessions.
func (s *MemoryStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ---- Users ----

// CreateUser creates a new user and returns it with the assigned ID.
func (s *MemoryStore) CreateUser(_ context.Context, username, password string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if err := model.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return nil, ErrUsernameTaken
	}
	mu := &memoryUser{
		user: model.User{
			ID:        s.nextUserID,
			Username:  username,
			CreatedAt: s.stamp(),
		},
		passwordHash: hash,
	}
	s.nextUserID++
	s.usersByID[mu.user.ID] = mu
	s.usersByUsername[username] = mu
	copyUser := mu.user
	return &copyUser, nil
}

func (s *MemoryStore) FindUserByCredentials(_ context.Context, username, password string) (*model.User, error) {
	s.mu.RLock()
	mu, ok := s.usersByUsername[username]
	var hash string
	var copyUser model.User
	if ok {
		hash, copyUser = mu.passwordHash, mu.user
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}

	match, err := crypto.VerifyPassword(hash, password)
	if err != nil {
		return nil, fmt.Errorf("datastore: find user: %w", err)
	}
	if !match {
		return nil, ErrIncorrectPassword
	}
	return &copyUser, nil
}

// FindUserByID retrieves a user by ID.
func (s *MemoryStore) FindUserByID(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mu, ok := s.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copyUser := mu.user
	return &copyUser, nil
}

// ListUsers returns all users.
func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, mu := range s.usersByID {
		users = append(users, mu.user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// ---- Posts ----

func (s *MemoryStore) CreatePost(_ context.Context, authorID int64, content string) (*model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &model.Post{
		ID:        s.nextPostID,
		Content:   content,
		Valid:     true,
		CreatedAt: s.stamp(),
		AuthorID:  authorID,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("datastore: create post: %w", err)
	}
	if _, ok := s.usersByID[authorID]; !ok {
		return nil, fmt.Errorf("datastore: create post: constraint failed: FOREIGN KEY constraint failed")
	}
	s.nextPostID++
	s.posts[p.ID] = p
	copyPost := *p
	return &copyPost, nil
}

func (s *MemoryStore) GetPost(_ context.Context, id int64) (*model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrPostNotFound
	}
	copyPost := *p
	return &copyPost, nil
}

func (s *MemoryStore) FetchValidPosts(_ context.Context, viewerID int64) ([]model.PostView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := []model.PostView{}
	for _, p := range s.posts {
		if !p.Valid {
			continue
		}
		views = append(views, model.PostView{
			Post: *p,
			Vote: s.votes[voteKey{postID: p.ID, voterID: viewerID}],
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views, nil
}

func (s *MemoryStore) UpsertVote(_ context.Context, vote model.Vote) error {
	if err := vote.Validate(); err != nil {
		return fmt.Errorf("datastore: upsert vote: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[vote.PostID]
	if !ok {
		return ErrPostNotFound
	}
	if !p.Valid {
		return ErrPostClosed
	}
	if _, ok := s.usersByID[vote.VoterID]; !ok {
		return fmt.Errorf("datastore: upsert vote: constraint failed: FOREIGN KEY constraint failed")
	}
	s.votes[voteKey{postID: vote.PostID, voterID: vote.VoterID}] = vote.Direction
	return nil
}

// ---- Settlement ----

func (s *MemoryStore) ExpireStalePosts(_ context.Context, olderThan time.Time) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := olderThan.UTC().Truncate(time.Second)
	var expired []model.Post
	for _, p := range s.posts {
		if p.Valid && p.CreatedAt.Before(cutoff) {
			p.Valid = false
			expired = append(expired, *p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (s *MemoryStore) VotesForPosts(_ context.Context, postIDs []int64) (map[int64][]model.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[int64]bool, len(postIDs))
	for _, id := range postIDs {
		wanted[id] = true
	}
	out := make(map[int64][]model.Vote, len(postIDs))
	for k, dir := range s.votes {
		if wanted[k.postID] {
			out[k.postID] = append(out[k.postID], model.Vote{PostID: k.postID, VoterID: k.voterID, Direction: dir})
		}
	}
	for _, votes := range out {
		sort.Slice(votes, func(i, j int) bool { return votes[i].VoterID < votes[j].VoterID })
	}
	return out, nil
}

func (s *MemoryStore) BulkAdjustKarma(_ context.Context, userIDs []int64, delta int64, op model.StreakOp) ([]model.User, error) {
	if op != model.StreakIncrement && op != model.StreakReset {
		return nil, fmt.Errorf("datastore: adjust karma: unknown streak op %d", op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool, len(userIDs))
	var users []model.User
	for _, id := range userIDs {
		mu, ok := s.usersByID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		mu.user.Karma += delta
		if op == model.StreakIncrement {
			mu.user.Streak++
		} else {
			mu.user.Streak = 0
		}
		users = append(users, mu.user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}
