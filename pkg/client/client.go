// Package client implements the GoKarma client networking.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/NicolasHaas/gokarma/pkg/protocol"
	pb "github.com/NicolasHaas/gokarma/pkg/protocol/pb"
)

// UpdateBuffer is how many unread updates are kept before new ones are dropped.
const UpdateBuffer = 64

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("client: connection closed")

// ServerError is a request the server answered with an error response.
type ServerError struct {
	Request     string
	Description string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: %s: %s", e.Request, e.Description)
}

type result struct {
	msg pb.Message
	err error
}

// Client is one websocket connection to a GoKarma server. Requests are
// serialised: only one is in flight at a time. The token returned by the
// last successful request is kept and used for the next one.
type Client struct {
	conn *websocket.Conn

	reqMu   sync.Mutex
	pending chan result
	updates chan pb.Message
	done    chan struct{}

	mu    sync.Mutex
	token string
	err   error
}

// Dial connects to a server websocket URL such as ws://localhost:9700/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	cfg, err := websocket.NewConfig(url, "http://localhost/")
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	conn.PayloadType = websocket.BinaryFrame
	conn.MaxPayloadBytes = protocol.MaxMessageSize

	c := &Client{
		conn:    conn,
		pending: make(chan result, 1),
		updates: make(chan pb.Message, UpdateBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Updates returns the server pushed updates. The channel is closed when the
// connection ends.
func (c *Client) Updates() <-chan pb.Message {
	return c.updates
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Token returns the most recent session token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

// Close closes the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Register creates an account and logs in as it.
func (c *Client) Register(ctx context.Context, username, password string) (*pb.AuthSuccess, error) {
	req := &pb.RegistrationRequest{Username: username, Password: password}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	r := resp.(*pb.RegistrationResponse)
	auth, err := outcome(req, r.Success, r.Error)
	if err != nil {
		return nil, err
	}
	c.setToken(auth.Token)
	return auth, nil
}

// Login authenticates with a username and password.
func (c *Client) Login(ctx context.Context, username, password string) (*pb.AuthSuccess, error) {
	return c.login(ctx, &pb.LoginCredentials{Username: username, Password: password})
}

// LoginWithToken resumes a session from a previously issued token.
func (c *Client) LoginWithToken(ctx context.Context, token string) (*pb.AuthSuccess, error) {
	return c.login(ctx, &pb.LoginToken{Token: token})
}

func (c *Client) login(ctx context.Context, req pb.Message) (*pb.AuthSuccess, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	r := resp.(*pb.LoginResponse)
	auth, err := outcome(req, r.Success, r.Error)
	if err != nil {
		return nil, err
	}
	c.setToken(auth.Token)
	return auth, nil
}

// Logout ends the current session. The connection stays open.
func (c *Client) Logout(ctx context.Context) error {
	req := &pb.LogoutRequest{Token: c.Token()}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	r := resp.(*pb.LogoutResponse)
	if _, err := outcome(req, r.Success, r.Error); err != nil {
		return err
	}
	c.setToken("")
	return nil
}

// FetchPosts returns the open posts with this user's votes.
func (c *Client) FetchPosts(ctx context.Context) ([]pb.Post, error) {
	req := &pb.FetchPostsRequest{Token: c.Token()}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	r := resp.(*pb.FetchPostsResponse)
	s, err := outcome(req, r.Success, r.Error)
	if err != nil {
		return nil, err
	}
	c.setToken(s.Token)
	return s.Posts, nil
}

// CreatePost publishes content and returns the stored post.
func (c *Client) CreatePost(ctx context.Context, content string) (pb.Post, error) {
	req := &pb.CreatePostRequest{Token: c.Token(), Content: content}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return pb.Post{}, err
	}
	r := resp.(*pb.CreatePostResponse)
	s, err := outcome(req, r.Success, r.Error)
	if err != nil {
		return pb.Post{}, err
	}
	c.setToken(s.Token)
	return s.Post, nil
}

// Vote sets this user's vote on a post.
func (c *Client) Vote(ctx context.Context, postID int64, vote pb.Vote) error {
	req := &pb.UserVoteRequest{Token: c.Token(), PostID: postID, Vote: vote}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	r := resp.(*pb.UserVoteResponse)
	s, err := outcome(req, r.Success, r.Error)
	if err != nil {
		return err
	}
	c.setToken(s.Token)
	return nil
}

func outcome[S any](req pb.Message, success *S, failure *pb.Failure) (*S, error) {
	if failure != nil {
		return nil, &ServerError{Request: pb.TagOf(req).Name(), Description: failure.Description}
	}
	if success == nil {
		return nil, fmt.Errorf("client: %s: empty response", pb.TagOf(req).Name())
	}
	return success, nil
}

// roundTrip sends req and waits for the response of the same variant.
// A request abandoned through ctx closes the connection, since its response
// could otherwise be taken as the answer to the next one.
func (c *Client) roundTrip(ctx context.Context, req pb.Message) (pb.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}
	if err := websocket.Message.Send(c.conn, data); err != nil {
		return nil, fmt.Errorf("client: send: %w", err)
	}

	var r result
	select {
	case r = <-c.pending:
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		_ = c.conn.Close()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}

	name := pb.TagOf(req).Name()
	if pe, ok := r.msg.(*pb.ProtocolErrorResponse); ok {
		return nil, &ServerError{Request: name, Description: pe.Description}
	}
	if pb.TagOf(r.msg).Variant != pb.TagOf(req).Variant {
		return nil, fmt.Errorf("client: %s: unexpected response %s", name, pb.TagOf(r.msg))
	}
	return r.msg, nil
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}

// readLoop routes responses to the waiting request and updates to the
// updates channel.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.updates)
	for {
		var data []byte
		if err := websocket.Message.Receive(c.conn, &data); err != nil {
			if !isClosedErr(err) {
				slog.Error("client read error", "err", err)
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			} else {
				slog.Debug("client connection closed")
			}
			return
		}

		tag, err := protocol.Classify(data)
		if err != nil {
			slog.Warn("dropping unreadable frame", "err", err)
			continue
		}
		switch tag.Kind {
		case pb.KindResponse:
			msg, err := protocol.Decode(data)
			select {
			case c.pending <- result{msg: msg, err: err}:
			default:
				slog.Warn("dropping unsolicited response", "tag", tag)
			}
		case pb.KindUpdate:
			msg, err := protocol.Decode(data)
			if err != nil {
				slog.Warn("dropping malformed update", "tag", tag, "err", err)
				continue
			}
			select {
			case c.updates <- msg:
			default:
				slog.Warn("update buffer full, dropping update", "tag", tag)
			}
		default:
			slog.Debug("ignoring frame", "tag", tag)
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
