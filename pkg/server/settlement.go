package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/NicolasHaas/gokarma/pkg/datastore"
	"github.com/NicolasHaas/gokarma/pkg/model"
	"github.com/NicolasHaas/gokarma/pkg/protocol"
	pb "github.com/NicolasHaas/gokarma/pkg/protocol/pb"
)

// SettlementConfig controls the settlement schedule.
type SettlementConfig struct {
	Interval  time.Duration `koanf:"interval"`  // time between cycles
	Timeout   time.Duration `koanf:"timeout"`   // deadline of one cycle
	Staleness time.Duration `koanf:"staleness"` // age at which an open post is settled
}

// DefaultSettlementConfig returns the production schedule.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		Interval:  600 * time.Second,
		Timeout:   480 * time.Second,
		Staleness: 61 * time.Minute,
	}
}

// Broadcaster fans a frame out to connected sessions.
type Broadcaster interface {
	Broadcast(data []byte, exclude string)
}

// Settlement closes stale posts and pays out karma to their voters.
type Settlement struct {
	cfg     SettlementConfig
	store   datastore.SettlementStore
	hub     Broadcaster
	metrics *Metrics
	now     func() time.Time
}

// CycleResult is what one cycle changed and broadcast.
type CycleResult struct {
	Invalidated []int64      // closed post ids, in id order
	Users       []model.User // post-cycle state of every affected user, by id
}

// NewSettlement creates the engine. Start must be called to schedule it.
func NewSettlement(cfg SettlementConfig, st datastore.SettlementStore, hub Broadcaster, m *Metrics) *Settlement {
	if m == nil {
		m = NewMetrics()
	}
	return &Settlement{
		cfg:     cfg,
		store:   st,
		hub:     hub,
		metrics: m,
		now:     time.Now,
	}
}

// Start runs a cycle every Interval until ctx is cancelled. Each cycle gets
// its own Timeout; a failed cycle is logged and the next tick retries.
func (s *Settlement) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		slog.Info("settlement scheduled", "interval", s.cfg.Interval, "timeout", s.cfg.Timeout, "staleness", s.cfg.Staleness)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Settlement) tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	res, err := s.RunCycle(ctx)
	if err != nil {
		slog.Error("settlement cycle failed", "err", err)
		return
	}
	slog.Info("settlement cycle complete", "posts", len(res.Invalidated), "users", len(res.Users))
}

// RunCycle runs one settlement cycle. On error nothing is broadcast, but
// karma adjustments already written to the store stay.
func (s *Settlement) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	res, err := s.runCycle(ctx)
	s.metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		s.metrics.SettlementCycles.WithLabelValues(cycleOK).Inc()
		s.metrics.PostsExpired.Add(float64(len(res.Invalidated)))
		s.metrics.UsersAdjusted.Add(float64(len(res.Users)))
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.SettlementCycles.WithLabelValues(cycleTimeout).Inc()
	default:
		s.metrics.SettlementCycles.WithLabelValues(cycleError).Inc()
	}
	return res, err
}

func (s *Settlement) runCycle(ctx context.Context) (*CycleResult, error) {
	posts, err := s.store.ExpireStalePosts(ctx, s.now().Add(-s.cfg.Staleness))
	if err != nil {
		return nil, fmt.Errorf("settlement: expire posts: %w", err)
	}

	res := &CycleResult{Invalidated: make([]int64, 0, len(posts)), Users: []model.User{}}
	for _, p := range posts {
		res.Invalidated = append(res.Invalidated, p.ID)
	}

	if len(res.Invalidated) > 0 {
		votes, err := s.store.VotesForPosts(ctx, res.Invalidated)
		if err != nil {
			return nil, fmt.Errorf("settlement: load votes: %w", err)
		}

		affected := make(map[int64]model.User)
		for _, postID := range res.Invalidated {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("settlement: post %d: %w", postID, err)
			}
			winners, losers := Tally(votes[postID])
			if err := s.adjust(ctx, affected, losers, model.KarmaLoss, model.StreakReset); err != nil {
				return nil, fmt.Errorf("settlement: post %d losers: %w", postID, err)
			}
			if err := s.adjust(ctx, affected, winners, model.KarmaWin, model.StreakIncrement); err != nil {
				return nil, fmt.Errorf("settlement: post %d winners: %w", postID, err)
			}
		}
		for _, u := range affected {
			res.Users = append(res.Users, u)
		}
		sort.Slice(res.Users, func(i, j int) bool { return res.Users[i].ID < res.Users[j].ID })
	}

	invalid, err := protocol.Encode(&pb.InvalidUpdate{PostIDs: res.Invalidated})
	if err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	users, err := protocol.Encode(&pb.UsersUpdate{Users: usersToPB(res.Users)})
	if err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("settlement: before broadcast: %w", err)
	}

	s.hub.Broadcast(invalid, "")
	s.hub.Broadcast(users, "")
	return res, nil
}

// adjust applies one karma change and records each returned row, so the last
// write for a user wins.
func (s *Settlement) adjust(ctx context.Context, affected map[int64]model.User, ids []int64, delta int64, op model.StreakOp) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.store.BulkAdjustKarma(ctx, ids, delta, op)
	if err != nil {
		return err
	}
	for _, u := range users {
		affected[u.ID] = u
	}
	return nil
}

// Tally splits the voters of one post into winners and losers. The strict
// majority side wins; a tie, including no votes at all, settles nothing.
func Tally(votes []model.Vote) (winners, losers []int64) {
	var up, down []int64
	for _, v := range votes {
		switch v.Direction {
		case model.DirectionUp:
			up = append(up, v.VoterID)
		case model.DirectionDown:
			down = append(down, v.VoterID)
		}
	}
	switch {
	case len(up) > len(down):
		return up, down
	case len(down) > len(up):
		return down, up
	default:
		return nil, nil
	}
}
