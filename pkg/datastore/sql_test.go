package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/gokarma/pkg/datastore"
	"github.com/NicolasHaas/gokarma/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func NewTestSqlConn(t *testing.T, clock *testClock) (*datastore.SQLStore, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewWithClock(dbPath, clock.Now)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

// forEachStore runs fn against a fresh SQLite store and a fresh memory store.
func forEachStore(t *testing.T, fn func(t *testing.T, st datastore.DataStore, clock *testClock)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		clock := newTestClock()
		st, err := NewTestSqlConn(t, clock)
		if err != nil {
			t.Fatalf("failed to open test connection: %v", err)
		}
		fn(t, st, clock)
	})
	t.Run("memory", func(t *testing.T) {
		clock := newTestClock()
		fn(t, datastore.NewMemoryWithClock(clock.Now), clock)
	})
}

func mustCreateUser(t *testing.T, st datastore.DataStore, name string) *model.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), name, "password1")
	if err != nil {
		t.Fatalf("CreateUser(%q): %v", name, err)
	}
	return u
}

func mustCreatePost(t *testing.T, st datastore.DataStore, author int64, content string) *model.Post {
	t.Helper()
	p, err := st.CreatePost(context.Background(), author, content)
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	return p
}

func TestMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		st, err := datastore.New(dbPath)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		v, err := st.SchemaVersion(context.Background())
		if err != nil {
			t.Fatalf("SchemaVersion: %v", err)
		}
		if v != 2 {
			t.Errorf("schema version = %d, want 2", v)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		username  string
		password  string
		expectErr error
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			username: "johndoe",
			password: "secret",
		},
		"injection_username": { // SQL injection contains invalid chars (quotes, spaces, equals)
			username:  "' OR '1'='1",
			password:  "secret",
			expectErr: model.ErrUsernameInvalidChars,
		},
		"empty_username": {
			username:  "",
			password:  "secret",
			expectErr: model.ErrUsernameEmpty,
		},
		"long_username": {
			username:  strings.Repeat("a", 33),
			password:  "secret",
			expectErr: model.ErrUsernameTooLong,
		},
		"short_password": {
			username:  "janedoe",
			password:  "abc",
			expectErr: model.ErrPasswordTooShort,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			forEachStore(t, func(t *testing.T, st datastore.DataStore, clock *testClock) {
				got, err := st.CreateUser(context.Background(), tc.username, tc.password)
				if tc.expectErr != nil {
					if !errors.Is(err, tc.expectErr) {
						t.Fatalf("CreateUser: err = %v, want %v", err, tc.expectErr)
					}
					return
				}
				if err != nil {
					t.Fatalf("CreateUser: unexpected error: %v", err)
				}

				want := &model.User{
					ID:        1,
					Username:  tc.username,
					CreatedAt: clock.Now(),
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("CreateUser mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, st datastore.DataStore, _ *testClock) {
		mustCreateUser(t, st, "alice")
		if _, err := st.CreateUser(context.Background(), "alice", "another1"); !errors.Is(err, datastore.ErrUsernameTaken) {
			t.Errorf("duplicate CreateUser err = %v, want ErrUsernameTaken", err)
		}
	})
}

func TestFindUserByCredentials(t *testing.T) {
	type tcase struct {
		username  string
		password  string
		expectErr error
	}

	tests := map[string]tcase{
		"correct":        {username: "alice", password: "password1"},
		"wrong_password": {username: "alice", password: "password2", expectErr: datastore.ErrIncorrectPassword},
		"unknown_user":   {username: "bob", password: "password1", expectErr: datastore.ErrUserNotFound},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, st datastore.DataStore, _ *testClock) {
				seeded := mustCreateUser(t, st, "alice")
				got, err := st.FindUserByCredentials(context.Background(), tc.username, tc.password)
				if tc.expectErr != nil {
					if !errors.Is(err, tc.expectErr) {
						t.Fatalf("err = %v, want %v", err, tc.expectErr)
					}
					return
				}
				if err != nil {
					t.Fatalf("FindUserByCredentials: %v", err)
				}
				if diff := cmp.Diff(seeded, got); diff != "" {
					t.Errorf("mismatch (-want +got):\n%s", diff)
				}
			})
		})
	}
}

func TestFindUserByID(t *testing.T) {
	forEachStore(t, func(t *testing.T, st datastore.DataStore, _ *testClock) {
		u := mustCreateUser(t, st, "alice")
		got, err := st.FindUserByID(context.Background(), u.ID)
		if err != nil {
			t.Fatalf("FindUserByID: %v", err)
		}
		if diff := cmp.Diff(u, got); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
		if _, err := st.FindUserByID(context.Background(), 99); !errors.Is(err, datastore.ErrUserNotFound) {
			t.Errorf("FindUserByID(99) err = %v", err)
		}
	})
}

func TestSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, st datastore.DataStore, _ *testClock) {
		ctx := context.Background()
		u := mustCreateUser(t, st, "alice")

		if err := st.CreateSession(ctx, "tok-1", u.ID); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := st.RenewSession(ctx, "tok-1", "tok-2"); err != nil {
			t.Fatalf("RenewSession: %v", err)
		}
		// The old token is gone once renewed.
		if err := st.RenewSession(ctx, "tok-1", "tok-3"); !errors.Is(err, datastore.ErrSessionNotFound) {
			t.Errorf("RenewSession(stale) err = %v, want ErrSessionNotFound", err)
		}
		if err := st.DeleteSession(ctx, "tok-2"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if err := st.RenewSession(ctx, "tok-2", "tok-4"); !errors.Is(err, datastore.ErrSessionNotFound) {
			t.Errorf("RenewSession(deleted) err = %v, want ErrSessionNotFound", err)
		}
		if err := st.DeleteSession(ctx, "tok-2"); !errors.Is(err, datastore.ErrSessionNotFound) {
			t.Errorf("DeleteSession twice err = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestCreatePost(t *testing.T) {
	type tcase struct {
		content   string
		expectErr error
	}

	tests := map[string]tcase{
		"simple":   {content: "hello"},
		"empty":    {content: "   ", expectErr: model.ErrPostContentEmpty},
		"too_long": {content: strings.Repeat("x", model.MaxPostLength+1), expectErr: model.ErrPostContentTooLong},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, st datastore.DataStore, clock *testClock) {
				u := mustCreateUser(t, st, "alice")
				got, err := st.CreatePost(context.Background(), u.ID, tc.content)
				if tc.expectErr != nil {
					if !errors.Is(err, tc.expectErr) {
						t.Fatalf("err = %v, want %v", err, tc.expectErr)
					}
					return
				}
				if err != nil {
					t.Fatalf("CreatePost: %v", err)
				}
				want := &model.Post{ID: 1, Content: tc.content, Valid: true, CreatedAt: clock.Now(), AuthorID: u.ID}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("CreatePost mismatch (-want +got):\n%s", diff)
				}
				stored, err := st.GetPost(context.Background(), got.ID)
				if err != nil {
					t.Fatalf("GetPost: %v", err)
				}
				if diff := cmp.Diff(want, stored); diff != "" {
					t.Errorf("GetPost mismatch (-want +got):\n%s", diff)
				}
			})
		})
	}
}

func TestVotesAndFetch(t *testing.T) {
	forEachStore(t, func(t *testing.T, st datastore.DataStore, _ *testClock) {
		ctx := context.Background()
		alice := mustCreateUser(t, st, "alice")
		bob := mustCreateUser(t, st, "bob")
		p1 := mustCreatePost(t, st, alice.ID, "first")
		p2 := mustCreatePost(t, st, alice.ID, "second")

		votes := []model.Vote{
			{PostID: p1.ID, VoterID: bob.ID, Direction: model.DirectionUp},
			{PostID: p1.ID, VoterID: bob.ID, Direction: model.DirectionDown}, // replaces
			{PostID: p2.ID, VoterID: alice.ID, Direction: model.DirectionUp},
		}
		for _, v := range votes {
			if err := st.UpsertVote(ctx, v); err != nil {
				t.Fatalf("UpsertVote(%+v): %v", v, err)
			}
		}

		got, err := st.FetchValidPosts(ctx, bob.ID)
		if err != nil {
			t.Fatalf("FetchValidPosts: %v", err)
		}
		want := []model.PostView{
			{Post: *p1, Vote: model.DirectionDown},
			{Post: *p2, Vote: model.DirectionNone},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("FetchValidPosts mismatch (-want +got):\n%s", diff)
		}

		grouped, err := st.VotesForPosts(ctx, []int64{p1.ID, p2.ID, 99})
		if err != nil {
			t.Fatalf("VotesForPosts: %v", err)
		}
		wantGrouped := map[int64][]model.Vote{
			p1.ID: {{PostID: p1.ID, VoterID: bob.ID, Direction: model.DirectionDown}},
			p2.ID: {{PostID: p2.ID, VoterID: alice.ID, Direction: model.DirectionUp}},
		}
		if diff := cmp.Diff(wantGrouped, grouped); diff != "" {
			t.Errorf("VotesForPosts mismatch (-want +got):\n%s", diff)
		}

		empty, err := st.VotesForPosts(ctx, nil)
		if err != nil || len(empty) != 0 {
			t.Errorf("VotesForPosts(nil) = %v, %v", empty, err)
		}
	})
}

func TestUpsertVoteRejects(t *testing.T) {
	forEachStore(t, func(t *testing.T, st datastore.DataStore, clock *testClock) {
		ctx := context.Background()
		alice := mustCreateUser(t, st, "alice")
		p := mustCreatePost(t, st, alice.ID, "post")

		if err := st.UpsertVote(ctx, model.Vote{PostID: 42, VoterID: alice.ID, Direction: model.DirectionUp}); !errors.Is(err, datastore.ErrPostNotFound) {
			t.Errorf("vote on missing post err = %v, want ErrPostNotFound", err)
		}
		if err := st.UpsertVote(ctx, model.Vote{PostID: p.ID, VoterID: alice.ID}); !errors.Is(err, model.ErrInvalidDirection) {
			t.Errorf("vote with no direction err = %v, want ErrInvalidDirection", err)
		}

		clock.Advance(2 * time.Hour)
		if _, err := st.ExpireStalePosts(ctx, clock.Now().Add(-61*time.Minute)); err != nil {
			t.Fatalf("ExpireStalePosts: %v", err)
		}
		if err := st.UpsertVote(ctx, model.Vote{PostID: p.ID, VoterID: alice.ID, Direction: model.DirectionUp}); !errors.Is(err, datastore.ErrPostClosed) {
			t.Errorf("vote on closed post err = %v, want ErrPostClosed", err)
		}
	})
}

func TestExpireStalePosts(t *testing.T) {
	forEachStore(t, func(t *testing.T, st datastore.DataStore, clock *testClock) {
		ctx := context.Background()
		alice := mustCreateUser(t, st, "alice")
		old1 := mustCreatePost(t, st, alice.ID, "old one")
		old2 := mustCreatePost(t, st, alice.ID, "old two")
		clock.Advance(30 * time.Minute)
		fresh := mustCreatePost(t, st, alice.ID, "fresh")
		clock.Advance(32 * time.Minute)

		got, err := st.ExpireStalePosts(ctx, clock.Now().Add(-61*time.Minute))
		if err != nil {
			t.Fatalf("ExpireStalePosts: %v", err)
		}
		if diff := cmp.Diff([]int64{old1.ID, old2.ID}, postIDs(got)); diff != "" {
			t.Errorf("expired ids mismatch (-want +got):\n%s", diff)
		}
		for _, p := range got {
			if p.Valid {
				t.Errorf("returned post %d still valid", p.ID)
			}
		}

		// A second run finds nothing: posts expire exactly once.
		again, err := st.ExpireStalePosts(ctx, clock.Now().Add(-61*time.Minute))
		if err != nil {
			t.Fatalf("ExpireStalePosts: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("second expiry returned %v", postIDs(again))
		}

		open, err := st.FetchValidPosts(ctx, alice.ID)
		if err != nil {
			t.Fatalf("FetchValidPosts: %v", err)
		}
		if len(open) != 1 || open[0].ID != fresh.ID {
			t.Errorf("open posts = %+v, want only %d", open, fresh.ID)
		}
	})
}

func postIDs(posts []model.Post) []int64 {
	ids := make([]int64, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestBulkAdjustKarma(t *testing.T) {
	forEachStore(t, func(t *testing.T, st datastore.DataStore, _ *testClock) {
		ctx := context.Background()
		a := mustCreateUser(t, st, "alice")
		b := mustCreateUser(t, st, "bob")
		c := mustCreateUser(t, st, "carol")

		if _, err := st.BulkAdjustKarma(ctx, []int64{a.ID, b.ID}, model.KarmaWin, model.StreakIncrement); err != nil {
			t.Fatalf("BulkAdjustKarma: %v", err)
		}
		got, err := st.BulkAdjustKarma(ctx, []int64{b.ID, a.ID}, model.KarmaWin, model.StreakIncrement)
		if err != nil {
			t.Fatalf("BulkAdjustKarma: %v", err)
		}
		want := []model.User{
			{ID: a.ID, Username: "alice", Karma: 20, Streak: 2},
			{ID: b.ID, Username: "bob", Karma: 20, Streak: 2},
		}
		opts := cmpopts.IgnoreFields(model.User{}, "CreatedAt")
		if diff := cmp.Diff(want, got, opts); diff != "" {
			t.Errorf("increment mismatch (-want +got):\n%s", diff)
		}

		got, err = st.BulkAdjustKarma(ctx, []int64{a.ID, c.ID}, model.KarmaLoss, model.StreakReset)
		if err != nil {
			t.Fatalf("BulkAdjustKarma: %v", err)
		}
		want = []model.User{
			{ID: a.ID, Username: "alice", Karma: 10, Streak: 0},
			{ID: c.ID, Username: "carol", Karma: -10, Streak: 0},
		}
		if diff := cmp.Diff(want, got, opts); diff != "" {
			t.Errorf("reset mismatch (-want +got):\n%s", diff)
		}

		none, err := st.BulkAdjustKarma(ctx, nil, model.KarmaWin, model.StreakIncrement)
		if err != nil || len(none) != 0 {
			t.Errorf("BulkAdjustKarma(nil) = %v, %v", none, err)
		}

		users, err := st.ListUsers(ctx)
		if err != nil {
			t.Fatalf("ListUsers: %v", err)
		}
		wantAll := []model.User{
			{ID: a.ID, Username: "alice", Karma: 10},
			{ID: b.ID, Username: "bob", Karma: 20, Streak: 2},
			{ID: c.ID, Username: "carol", Karma: -10},
		}
		if diff := cmp.Diff(wantAll, users, opts); diff != "" {
			t.Errorf("ListUsers mismatch (-want +got):\n%s", diff)
		}
	})
}
