package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/NicolasHaas/gokarma/pkg/datastore"
	"github.com/NicolasHaas/gokarma/pkg/model"
	"github.com/NicolasHaas/gokarma/pkg/protocol"
	pb "github.com/NicolasHaas/gokarma/pkg/protocol/pb"
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

// broadcastLog is a Broadcaster that records frames.
type broadcastLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (b *broadcastLog) Broadcast(data []byte, exclude string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, data)
}

func (b *broadcastLog) decoded(t *testing.T) []pb.Message {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []pb.Message
	for _, f := range b.frames {
		msg, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("broadcast frame does not decode: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestTally(t *testing.T) {
	up := func(voter int64) model.Vote { return model.Vote{VoterID: voter, Direction: model.DirectionUp} }
	down := func(voter int64) model.Vote { return model.Vote{VoterID: voter, Direction: model.DirectionDown} }

	tests := map[string]struct {
		votes       []model.Vote
		wantWinners []int64
		wantLosers  []int64
	}{
		"no votes":         {},
		"tie":              {votes: []model.Vote{up(1), down(2)}},
		"up majority":      {votes: []model.Vote{up(1), down(2), up(3)}, wantWinners: []int64{1, 3}, wantLosers: []int64{2}},
		"down majority":    {votes: []model.Vote{down(1), down(2), up(3)}, wantWinners: []int64{1, 2}, wantLosers: []int64{3}},
		"unanimous up":     {votes: []model.Vote{up(4)}, wantWinners: []int64{4}},
		"unanimous down":   {votes: []model.Vote{down(5), down(6)}, wantWinners: []int64{5, 6}},
		"none is not cast": {votes: []model.Vote{{VoterID: 9}, up(1), down(2)}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			winners, losers := Tally(tt.votes)
			if diff := cmp.Diff(tt.wantWinners, winners, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("winners (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantLosers, losers, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("losers (-want +got):\n%s", diff)
			}
		})
	}
}

type settlementFixture struct {
	store datastore.DataStore
	clock *testClock
	log   *broadcastLog
	eng   *Settlement
	m     *Metrics
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	clock := newTestClock()
	return newSettlementFixtureWith(clock, datastore.NewMemoryWithClock(clock.Now))
}

// newSQLSettlementFixture runs the engine against a SQLite file.
func newSQLSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	clock := newTestClock()
	st, err := datastore.NewWithClock(filepath.Join(t.TempDir(), "settle.db"), clock.Now)
	if err != nil {
		t.Fatalf("NewWithClock: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return newSettlementFixtureWith(clock, st)
}

func newSettlementFixtureWith(clock *testClock, st datastore.DataStore) *settlementFixture {
	log := &broadcastLog{}
	m := NewMetrics()
	eng := NewSettlement(DefaultSettlementConfig(), st, log, m)
	eng.now = clock.Now
	return &settlementFixture{store: st, clock: clock, log: log, eng: eng, m: m}
}

func (f *settlementFixture) user(t *testing.T, name string) *model.User {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), name, "password1")
	if err != nil {
		t.Fatalf("CreateUser(%q): %v", name, err)
	}
	return u
}

func (f *settlementFixture) post(t *testing.T, author int64) int64 {
	t.Helper()
	p, err := f.store.CreatePost(context.Background(), author, "post")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	return p.ID
}

func (f *settlementFixture) vote(t *testing.T, post, voter int64, dir model.Direction) {
	t.Helper()
	if err := f.store.UpsertVote(context.Background(), model.Vote{PostID: post, VoterID: voter, Direction: dir}); err != nil {
		t.Fatalf("UpsertVote: %v", err)
	}
}

func TestRunCycle(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	a := f.user(t, "alice")
	b := f.user(t, "bob")
	c := f.user(t, "carol")
	d := f.user(t, "dave")

	p1 := f.post(t, a.ID) // up wins 2:1
	f.vote(t, p1, b.ID, model.DirectionUp)
	f.vote(t, p1, c.ID, model.DirectionUp)
	f.vote(t, p1, d.ID, model.DirectionDown)

	p2 := f.post(t, a.ID) // tie
	f.vote(t, p2, b.ID, model.DirectionUp)
	f.vote(t, p2, c.ID, model.DirectionDown)

	p3 := f.post(t, a.ID) // no votes

	p4 := f.post(t, a.ID) // up wins 2:1, bob loses this time
	f.vote(t, p4, b.ID, model.DirectionUp)
	f.vote(t, p4, b.ID, model.DirectionDown) // overwrites
	f.vote(t, p4, c.ID, model.DirectionUp)
	f.vote(t, p4, d.ID, model.DirectionUp)

	f.clock.Advance(2 * time.Hour)
	fresh := f.post(t, a.ID)
	f.vote(t, fresh, b.ID, model.DirectionUp)

	res, err := f.eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	wantUsers := []model.User{
		{ID: b.ID, Username: "bob", Karma: 0, Streak: 0},
		{ID: c.ID, Username: "carol", Karma: 20, Streak: 2},
		{ID: d.ID, Username: "dave", Karma: 0, Streak: 1},
	}
	want := &CycleResult{Invalidated: []int64{p1, p2, p3, p4}, Users: wantUsers}
	if diff := cmp.Diff(want, res, cmpopts.IgnoreFields(model.User{}, "CreatedAt")); diff != "" {
		t.Errorf("cycle result mismatch (-want +got):\n%s", diff)
	}

	wantFrames := []pb.Message{
		&pb.InvalidUpdate{PostIDs: []int64{p1, p2, p3, p4}},
		&pb.UsersUpdate{Users: []pb.User{
			{ID: b.ID, Username: "bob"},
			{ID: c.ID, Username: "carol", Karma: 20, Streak: 2},
			{ID: d.ID, Username: "dave", Streak: 1},
		}},
	}
	if diff := cmp.Diff(wantFrames, f.log.decoded(t)); diff != "" {
		t.Errorf("broadcast mismatch (-want +got):\n%s", diff)
	}

	views, err := f.store.FetchValidPosts(ctx, b.ID)
	if err != nil {
		t.Fatalf("FetchValidPosts: %v", err)
	}
	if len(views) != 1 || views[0].ID != fresh {
		t.Errorf("open posts after cycle = %+v, want only %d", views, fresh)
	}

	// A second cycle finds nothing new and must not pay out p1..p4 again.
	res, err = f.eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if len(res.Invalidated) != 0 || len(res.Users) != 0 {
		t.Errorf("second cycle = %+v, want empty", res)
	}
	carol, _ := f.store.FindUserByID(ctx, c.ID)
	if carol.Karma != 20 {
		t.Errorf("carol karma after second cycle = %d, want 20", carol.Karma)
	}
	if got := testutil.ToFloat64(f.m.SettlementCycles.WithLabelValues(cycleOK)); got != 2 {
		t.Errorf("ok cycles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(f.m.PostsExpired); got != 4 {
		t.Errorf("PostsExpired = %v, want 4", got)
	}
}

func TestRunCycleSQLStore(t *testing.T) {
	f := newSQLSettlementFixture(t)
	ctx := context.Background()

	a := f.user(t, "a")
	b := f.user(t, "b")
	c := f.user(t, "c")
	d := f.user(t, "d")
	e := f.user(t, "e")

	p1 := f.post(t, a.ID) // up wins 3:1
	f.vote(t, p1, b.ID, model.DirectionUp)
	f.vote(t, p1, c.ID, model.DirectionUp)
	f.vote(t, p1, d.ID, model.DirectionUp)
	f.vote(t, p1, e.ID, model.DirectionDown)

	p2 := f.post(t, a.ID) // bob alone, wins again
	f.vote(t, p2, b.ID, model.DirectionUp)

	f.clock.Advance(2 * time.Hour)
	res, err := f.eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	wantUsers := []model.User{
		{ID: b.ID, Username: "b", Karma: 20, Streak: 2},
		{ID: c.ID, Username: "c", Karma: 10, Streak: 1},
		{ID: d.ID, Username: "d", Karma: 10, Streak: 1},
		{ID: e.ID, Username: "e", Karma: -10, Streak: 0},
	}
	want := &CycleResult{Invalidated: []int64{p1, p2}, Users: wantUsers}
	if diff := cmp.Diff(want, res, cmpopts.IgnoreFields(model.User{}, "CreatedAt")); diff != "" {
		t.Errorf("cycle result mismatch (-want +got):\n%s", diff)
	}

	frames := f.log.decoded(t)
	if len(frames) != 2 {
		t.Fatalf("broadcast %d frames, want 2", len(frames))
	}
	if diff := cmp.Diff(&pb.InvalidUpdate{PostIDs: []int64{p1, p2}}, frames[0]); diff != "" {
		t.Errorf("invalid update (-want +got):\n%s", diff)
	}

	// Balances are persisted, not only reported.
	for _, u := range wantUsers {
		got, err := f.store.FindUserByID(ctx, u.ID)
		if err != nil {
			t.Fatalf("FindUserByID(%d): %v", u.ID, err)
		}
		if got.Karma != u.Karma || got.Streak != u.Streak {
			t.Errorf("%s stored karma=%d streak=%d, want %d/%d", u.Username, got.Karma, got.Streak, u.Karma, u.Streak)
		}
	}

	res, err = f.eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if len(res.Invalidated) != 0 || len(res.Users) != 0 {
		t.Errorf("second cycle = %+v, want empty", res)
	}
}

func TestRunCycleEmptyStillBroadcasts(t *testing.T) {
	f := newSettlementFixture(t)
	if _, err := f.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	want := []pb.Message{
		&pb.InvalidUpdate{PostIDs: []int64{}},
		&pb.UsersUpdate{Users: []pb.User{}},
	}
	if diff := cmp.Diff(want, f.log.decoded(t)); diff != "" {
		t.Errorf("broadcast mismatch (-want +got):\n%s", diff)
	}
}

// faultyStore wraps a SettlementStore and fails selected calls.
type faultyStore struct {
	datastore.SettlementStore
	votesErr  error
	adjustErr error
	blockAt   int // BulkAdjustKarma call (1-based) that blocks until ctx ends
	calls     int
}

func (s *faultyStore) VotesForPosts(ctx context.Context, ids []int64) (map[int64][]model.Vote, error) {
	if s.votesErr != nil {
		return nil, s.votesErr
	}
	return s.SettlementStore.VotesForPosts(ctx, ids)
}

func (s *faultyStore) BulkAdjustKarma(ctx context.Context, ids []int64, delta int64, op model.StreakOp) ([]model.User, error) {
	s.calls++
	if s.calls == s.blockAt {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.adjustErr != nil && s.calls > 1 {
		return nil, s.adjustErr
	}
	return s.SettlementStore.BulkAdjustKarma(ctx, ids, delta, op)
}

func TestRunCycleFailures(t *testing.T) {
	errBoom := errors.New("boom")

	tests := map[string]struct {
		store      func(inner datastore.SettlementStore) *faultyStore
		timeout    time.Duration
		wantErr    error
		wantResult string
	}{
		"votes error": {
			store: func(in datastore.SettlementStore) *faultyStore {
				return &faultyStore{SettlementStore: in, votesErr: errBoom}
			},
			wantErr:    errBoom,
			wantResult: cycleError,
		},
		"adjust error after partial commit": {
			store: func(in datastore.SettlementStore) *faultyStore {
				return &faultyStore{SettlementStore: in, adjustErr: errBoom}
			},
			wantErr:    errBoom,
			wantResult: cycleError,
		},
		"deadline": {
			store:      func(in datastore.SettlementStore) *faultyStore { return &faultyStore{SettlementStore: in, blockAt: 2} },
			timeout:    20 * time.Millisecond,
			wantErr:    context.DeadlineExceeded,
			wantResult: cycleTimeout,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			mem := datastore.NewMemoryWithClock(clock.Now)
			st := tt.store(mem)
			log := &broadcastLog{}
			m := NewMetrics()
			eng := NewSettlement(DefaultSettlementConfig(), st, log, m)
			eng.now = clock.Now

			ctx := context.Background()
			a, _ := mem.CreateUser(ctx, "alice", "password1")
			b, _ := mem.CreateUser(ctx, "bob", "password1")
			p, _ := mem.CreatePost(ctx, a.ID, "post")
			_ = mem.UpsertVote(ctx, model.Vote{PostID: p.ID, VoterID: a.ID, Direction: model.DirectionUp})
			_ = mem.UpsertVote(ctx, model.Vote{PostID: p.ID, VoterID: b.ID, Direction: model.DirectionUp})
			q, _ := mem.CreatePost(ctx, a.ID, "post")
			_ = mem.UpsertVote(ctx, model.Vote{PostID: q.ID, VoterID: a.ID, Direction: model.DirectionUp})
			clock.Advance(2 * time.Hour)

			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}
			res, err := eng.RunCycle(ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RunCycle err = %v, want %v", err, tt.wantErr)
			}
			if res != nil {
				t.Errorf("RunCycle result = %+v, want nil", res)
			}
			if len(log.decoded(t)) != 0 {
				t.Errorf("failed cycle broadcast %d frames", len(log.decoded(t)))
			}
			if got := testutil.ToFloat64(m.SettlementCycles.WithLabelValues(tt.wantResult)); got != 1 {
				t.Errorf("%s cycles = %v, want 1", tt.wantResult, got)
			}

			// Posts stay closed even though the cycle failed.
			views, _ := mem.FetchValidPosts(context.Background(), a.ID)
			if len(views) != 0 {
				t.Errorf("open posts after failed cycle = %d, want 0", len(views))
			}
		})
	}
}

func TestSettlementStart(t *testing.T) {
	log := &broadcastLog{}
	cfg := SettlementConfig{Interval: 10 * time.Millisecond, Timeout: 5 * time.Millisecond, Staleness: time.Minute}
	eng := NewSettlement(cfg, datastore.NewMemory(), log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	deadline := time.After(2 * time.Second)
	for {
		log.mu.Lock()
		n := len(log.frames)
		log.mu.Unlock()
		if n >= 4 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("only %d frames broadcast by scheduled cycles", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	msgs := log.decoded(t)
	for i, msg := range msgs {
		wantInvalid := i%2 == 0
		if _, ok := msg.(*pb.InvalidUpdate); ok != wantInvalid {
			t.Fatalf("frame %d is %T, updates out of order", i, msg)
		}
	}
}
