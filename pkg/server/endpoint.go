package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/NicolasHaas/gokarma/pkg/datastore"
	"github.com/NicolasHaas/gokarma/pkg/model"
	"github.com/NicolasHaas/gokarma/pkg/protocol"
	pb "github.com/NicolasHaas/gokarma/pkg/protocol/pb"
)

// State is the lifecycle stage of an Endpoint.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenService issues and checks bearer tokens.
type TokenService interface {
	Issue(userID int64) (string, error)
	Parse(raw string) (int64, error)
	// Verify checks raw and returns a freshly issued replacement.
	Verify(raw string) (userID int64, fresh string, err error)
}

// EndpointDeps are the collaborators shared by every Endpoint.
type EndpointDeps struct {
	Hub       *Hub
	Store     datastore.DataStore
	Tokens    TokenService
	Metrics   *Metrics
	PostRate  rate.Limit // posts per second per connection, <= 0 for no limit
	PostBurst int
	QueueSize int // hub mailbox capacity
}

var (
	errBadCredentials = errors.New("invalid username or password")
	errUnauthorized   = errors.New("invalid or expired token")
	errRateLimited    = errors.New("posting too fast")
)

// validationErrors are reported to the client with their own text.
var validationErrors = []error{
	model.ErrUsernameEmpty,
	model.ErrUsernameTooLong,
	model.ErrUsernameInvalidChars,
	model.ErrPasswordTooShort,
	model.ErrPasswordTooLong,
	model.ErrPostContentEmpty,
	model.ErrPostContentTooLong,
	model.ErrInvalidDirection,
}

const internalError = "internal error"

// Endpoint serves one client connection: it answers requests on its own
// transport and relays hub broadcasts to it.
type Endpoint struct {
	deps      EndpointDeps
	transport Transport
	remote    string
	mailbox   *mailbox
	replies   chan []byte
	limiter   *rate.Limiter
	state     atomic.Int32

	// Owned by the read loop.
	joined    bool
	sessionID string
}

// NewEndpoint creates an endpoint for t. Serve runs it.
func NewEndpoint(t Transport, deps EndpointDeps) *Endpoint {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	limit := deps.PostRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := deps.PostBurst
	if burst < 1 {
		burst = 1
	}
	remote := "unknown"
	if s, ok := t.(fmt.Stringer); ok {
		remote = s.String()
	}
	return &Endpoint{
		deps:      deps,
		transport: t,
		remote:    remote,
		mailbox:   newMailbox(deps.QueueSize),
		replies:   make(chan []byte),
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// State returns the current lifecycle stage.
func (e *Endpoint) State() State {
	return State(e.state.Load())
}

// Serve runs the endpoint until the transport closes, the hub evicts it or
// ctx is cancelled. The transport is closed on return.
func (e *Endpoint) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := e.deps.Metrics
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
	defer m.ActiveConnections.Dec()
	slog.Debug("endpoint opened", "remote", e.remote)

	// The transport is closed from here so that a writer blocked on a dead
	// peer is released when the hub evicts the session.
	closerDone := make(chan struct{})
	go func() {
		defer close(closerDone)
		select {
		case <-ctx.Done():
		case <-e.mailbox.evicted:
			slog.Info("session evicted by hub", "remote", e.remote)
		}
		cancel()
		_ = e.transport.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.writeLoop(ctx, cancel)
	}()

	e.readLoop(ctx)

	cancel()
	<-writerDone
	<-closerDone
	if e.sessionID != "" {
		e.deps.Hub.Disconnect(e.sessionID)
	}
	e.state.Store(int32(StateClosed))
	slog.Debug("endpoint closed", "remote", e.remote, "session", e.sessionID)
}

// writeLoop is the only writer of the transport. Replies and hub deliveries
// are written in the order they are received.
func (e *Endpoint) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case data = <-e.replies:
		case data = <-e.mailbox.ch:
		}
		if err := e.transport.WriteFrame(data); err != nil {
			if !isClosedErr(err) && ctx.Err() == nil {
				slog.Debug("write failed", "remote", e.remote, "err", err)
			}
			return
		}
	}
}

func (e *Endpoint) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		data, err := e.transport.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				e.record(pb.Tag{}, outcomeMalformed)
				e.reply(ctx, &pb.ProtocolErrorResponse{
					Description: fmt.Sprintf("message exceeds %d bytes", protocol.MaxMessageSize),
				})
				continue
			}
			if !isClosedErr(err) && ctx.Err() == nil {
				slog.Debug("read failed", "remote", e.remote, "err", err)
			}
			return
		}
		e.handleFrame(ctx, data)
	}
}

// handleFrame answers one inbound frame. Nothing here ends the connection.
func (e *Endpoint) handleFrame(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		var tag pb.Tag
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			if de.Tag.Kind == pb.KindResponse || de.Tag.Kind == pb.KindUpdate {
				slog.Debug("dropping malformed non-request frame", "remote", e.remote, "tag", de.Tag)
				return
			}
			if de.Attributed() {
				tag = de.Tag
			}
		}
		slog.Debug("malformed request", "remote", e.remote, "err", err)
		e.record(tag, outcomeMalformed)
		e.reply(ctx, pb.ErrorResponse(tag, "malformed request"))
		return
	}

	tag := pb.TagOf(msg)
	switch {
	case tag.Kind == pb.KindResponse || tag.Kind == pb.KindUpdate:
		slog.Debug("dropping non-request frame", "remote", e.remote, "tag", tag)
		return
	case !tag.Known():
		e.record(tag, outcomeMalformed)
		e.reply(ctx, &pb.ProtocolErrorResponse{Description: "unrecognized message " + tag.String()})
		return
	}

	resp, err := e.dispatch(ctx, msg)
	if err != nil {
		e.record(tag, outcomeError)
		if description := describe(err); description == internalError {
			slog.Error("request failed", "remote", e.remote, "request", tag.Name(), "err", err)
		} else {
			slog.Debug("request rejected", "remote", e.remote, "request", tag.Name(), "reason", description)
		}
	} else {
		e.record(tag, outcomeOK)
	}
	e.reply(ctx, resp)
}

func (e *Endpoint) dispatch(ctx context.Context, msg pb.Message) (pb.Message, error) {
	var (
		resp pb.Message
		err  error
	)
	switch m := msg.(type) {
	case *pb.LoginCredentials:
		var s *pb.AuthSuccess
		s, err = e.handleLoginCredentials(ctx, m)
		resp = &pb.LoginResponse{Success: s}
	case *pb.LoginToken:
		var s *pb.AuthSuccess
		s, err = e.handleLoginToken(ctx, m)
		resp = &pb.LoginResponse{Success: s}
	case *pb.RegistrationRequest:
		var s *pb.AuthSuccess
		s, err = e.handleRegistration(ctx, m)
		resp = &pb.RegistrationResponse{Success: s}
	case *pb.LogoutRequest:
		err = e.handleLogout(ctx, m)
		resp = &pb.LogoutResponse{Success: &pb.LogoutSuccess{}}
	case *pb.FetchPostsRequest:
		var s *pb.FetchPostsSuccess
		s, err = e.handleFetchPosts(ctx, m)
		resp = &pb.FetchPostsResponse{Success: s}
	case *pb.CreatePostRequest:
		var s *pb.CreatePostSuccess
		s, err = e.handleCreatePost(ctx, m)
		resp = &pb.CreatePostResponse{Success: s}
	case *pb.UserVoteRequest:
		var s *pb.UserVoteSuccess
		s, err = e.handleUserVote(ctx, m)
		resp = &pb.UserVoteResponse{Success: s}
	default:
		return &pb.ProtocolErrorResponse{Description: "unsupported request"}, fmt.Errorf("unsupported request %T", msg)
	}
	if err != nil {
		return pb.ErrorResponse(pb.TagOf(msg), describe(err)), err
	}
	return resp, nil
}

func (e *Endpoint) handleLoginCredentials(ctx context.Context, m *pb.LoginCredentials) (*pb.AuthSuccess, error) {
	user, err := e.deps.Store.FindUserByCredentials(ctx, m.Username, m.Password)
	if errors.Is(err, datastore.ErrUserNotFound) || errors.Is(err, datastore.ErrIncorrectPassword) {
		return nil, fmt.Errorf("%w: %w", errBadCredentials, err)
	}
	if err != nil {
		return nil, err
	}
	return e.startSession(ctx, user)
}

func (e *Endpoint) handleLoginToken(ctx context.Context, m *pb.LoginToken) (*pb.AuthSuccess, error) {
	var user *model.User
	fresh, err := e.withSession(ctx, m.Token, func(userID int64) error {
		var err error
		user, err = e.deps.Store.FindUserByID(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.join()
	return &pb.AuthSuccess{Token: fresh, User: userToPB(user)}, nil
}

func (e *Endpoint) handleRegistration(ctx context.Context, m *pb.RegistrationRequest) (*pb.AuthSuccess, error) {
	user, err := e.deps.Store.CreateUser(ctx, m.Username, m.Password)
	if err != nil {
		return nil, err
	}
	slog.Info("user registered", "user", user.Username, "id", user.ID)
	return e.startSession(ctx, user)
}

// startSession issues and stores a token for user, then joins the hub.
func (e *Endpoint) startSession(ctx context.Context, user *model.User) (*pb.AuthSuccess, error) {
	tok, err := e.deps.Tokens.Issue(user.ID)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Store.CreateSession(ctx, tok, user.ID); err != nil {
		return nil, err
	}
	e.join()
	return &pb.AuthSuccess{Token: tok, User: userToPB(user)}, nil
}

func (e *Endpoint) handleLogout(ctx context.Context, m *pb.LogoutRequest) error {
	if _, err := e.deps.Tokens.Parse(m.Token); err != nil {
		return fmt.Errorf("%w: %w", errUnauthorized, err)
	}
	if err := e.deps.Store.DeleteSession(ctx, m.Token); err != nil {
		if errors.Is(err, datastore.ErrSessionNotFound) {
			return fmt.Errorf("%w: %w", errUnauthorized, err)
		}
		return err
	}
	e.state.Store(int32(StateUnauthenticated))
	return nil
}

func (e *Endpoint) handleFetchPosts(ctx context.Context, m *pb.FetchPostsRequest) (*pb.FetchPostsSuccess, error) {
	var views []model.PostView
	fresh, err := e.withSession(ctx, m.Token, func(userID int64) error {
		var err error
		views, err = e.deps.Store.FetchValidPosts(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	posts := make([]pb.Post, 0, len(views))
	for i := range views {
		posts = append(posts, postToPB(&views[i].Post, views[i].Vote))
	}
	return &pb.FetchPostsSuccess{Token: fresh, Posts: posts}, nil
}

func (e *Endpoint) handleCreatePost(ctx context.Context, m *pb.CreatePostRequest) (*pb.CreatePostSuccess, error) {
	content := model.SanitizeContent(m.Content)
	draft := model.Post{Content: content}
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if !e.limiter.Allow() {
		return nil, errRateLimited
	}

	var post *model.Post
	fresh, err := e.withSession(ctx, m.Token, func(userID int64) error {
		var err error
		post, err = e.deps.Store.CreatePost(ctx, userID, content)
		return err
	})
	if err != nil {
		return nil, err
	}

	wire := postToPB(post, model.DirectionNone)
	if update, err := protocol.Encode(&pb.NewPostUpdate{Post: wire}); err != nil {
		slog.Error("encode new post update failed", "post", post.ID, "err", err)
	} else {
		e.deps.Hub.Broadcast(update, e.sessionID)
	}
	return &pb.CreatePostSuccess{Token: fresh, Post: wire}, nil
}

func (e *Endpoint) handleUserVote(ctx context.Context, m *pb.UserVoteRequest) (*pb.UserVoteSuccess, error) {
	dir := directionFromPB(m.Vote)
	if !dir.Valid() {
		return nil, model.ErrInvalidDirection
	}
	fresh, err := e.withSession(ctx, m.Token, func(userID int64) error {
		return e.deps.Store.UpsertVote(ctx, model.Vote{PostID: m.PostID, VoterID: userID, Direction: dir})
	})
	if err != nil {
		return nil, err
	}
	return &pb.UserVoteSuccess{Token: fresh}, nil
}

// withSession verifies raw, renews it in the session table and runs fn as
// its user. If fn fails the session is renamed back to raw so the client's
// token keeps working.
func (e *Endpoint) withSession(ctx context.Context, raw string, fn func(userID int64) error) (string, error) {
	userID, fresh, err := e.deps.Tokens.Verify(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errUnauthorized, err)
	}
	if err := e.deps.Store.RenewSession(ctx, raw, fresh); err != nil {
		if errors.Is(err, datastore.ErrSessionNotFound) {
			return "", fmt.Errorf("%w: %w", errUnauthorized, err)
		}
		return "", err
	}
	if err := fn(userID); err != nil {
		if rerr := e.deps.Store.RenewSession(ctx, fresh, raw); rerr != nil {
			slog.Warn("restore session failed", "user", userID, "err", rerr)
		}
		return "", err
	}
	return fresh, nil
}

// join marks the endpoint authenticated and registers it with the hub the
// first time it is called.
func (e *Endpoint) join() {
	e.state.Store(int32(StateAuthenticated))
	if e.joined {
		return
	}
	e.joined = true
	e.sessionID = e.deps.Hub.Connect(e.mailbox)
	slog.Debug("session joined hub", "remote", e.remote, "session", e.sessionID)
}

func (e *Endpoint) reply(ctx context.Context, msg pb.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("encode response failed", "response", pb.TagOf(msg), "err", err)
		return
	}
	select {
	case e.replies <- data:
	case <-ctx.Done():
	}
}

func (e *Endpoint) record(tag pb.Tag, outcome string) {
	variant := "unknown"
	if tag.Known() {
		variant = tag.Name()
	}
	e.deps.Metrics.Requests.WithLabelValues(variant, outcome).Inc()
}

// describe turns a handler error into the text sent to the client. Anything
// not caused by the request itself is reported as internalError.
func describe(err error) string {
	switch {
	case errors.Is(err, errBadCredentials):
		return errBadCredentials.Error()
	case errors.Is(err, errUnauthorized):
		return errUnauthorized.Error()
	case errors.Is(err, errRateLimited):
		return "posting too fast, try again later"
	case errors.Is(err, datastore.ErrUsernameTaken):
		return "username already taken"
	case errors.Is(err, datastore.ErrUserNotFound):
		return "user not found"
	case errors.Is(err, datastore.ErrPostNotFound):
		return "post not found"
	case errors.Is(err, datastore.ErrPostClosed):
		return "post is closed for voting"
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return v.Error()
		}
	}
	return internalError
}
