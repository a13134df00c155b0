package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/gokarma/pkg/client"
	"github.com/NicolasHaas/gokarma/pkg/logging"
	pb "github.com/NicolasHaas/gokarma/pkg/protocol/pb"
	"github.com/NicolasHaas/gokarma/pkg/version"
)

const usage = `usage: gokarma [flags] <command>

commands:
  posts              list open posts
  post <text>        publish a post
  vote <id> up|down  vote on a post
  watch              print live updates until interrupted
  logout             end the saved session

flags:
`

type options struct {
	server    string
	user      string
	password  string
	register  bool
	token     string
	bookmarks string
	timeout   time.Duration
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("gokarma", pflag.ExitOnError)
	fs.StringVar(&opts.server, "server", "ws://localhost:9700/ws", "server websocket URL")
	fs.StringVar(&opts.user, "user", "", "username")
	fs.StringVar(&opts.password, "password", os.Getenv("GOKARMA_PASSWORD"), "password (default $GOKARMA_PASSWORD)")
	fs.BoolVar(&opts.register, "register", false, "create the account before logging in")
	fs.StringVar(&opts.token, "token", "", "session token (overrides the saved one)")
	fs.StringVar(&opts.bookmarks, "bookmarks", client.DefaultBookmarkPath(), "file where session tokens are saved")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per request timeout")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Default to "warn"; override with GOKARMA_LOG_LEVEL env var.
	level := "warn"
	if v := os.Getenv("GOKARMA_LOG_LEVEL"); v != "" {
		level = v
	}
	_ = logging.Setup(logging.Options{Level: level, Format: "text", Output: os.Stderr})

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "gokarma: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, args []string) error {
	bookmarks := client.NewBookmarkStore(opts.bookmarks)
	if err := bookmarks.Load(); err != nil {
		slog.Warn("load bookmarks", "path", opts.bookmarks, "err", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	c, err := client.Dial(dialCtx, opts.server)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := authenticate(ctx, c, opts, bookmarks); err != nil {
		return err
	}

	cmdErr := command(ctx, c, opts, args)

	if tok := c.Token(); tok != "" {
		bookmarks.Add(client.Bookmark{URL: opts.server, Username: opts.user, Token: tok, LastUsed: time.Now().Unix()})
	} else {
		bookmarks.Forget(opts.server, opts.user)
	}
	if err := bookmarks.Save(); err != nil {
		slog.Warn("save bookmarks", "path", opts.bookmarks, "err", err)
	}
	return cmdErr
}

// authenticate tries, in order: --token, the saved token, then the password.
func authenticate(ctx context.Context, c *client.Client, opts options, bookmarks *client.BookmarkStore) error {
	tok := opts.token
	if tok == "" && !opts.register {
		if b := bookmarks.Find(opts.server, opts.user); b != nil {
			tok = b.Token
		}
	}
	if tok != "" {
		rctx, cancel := context.WithTimeout(ctx, opts.timeout)
		_, err := c.LoginWithToken(rctx, tok)
		cancel()
		if err == nil {
			return nil
		}
		var se *client.ServerError
		if !errors.As(err, &se) || opts.token != "" {
			return err
		}
		slog.Info("saved session rejected, logging in again", "reason", se.Description)
	}

	if opts.user == "" || opts.password == "" {
		return errors.New("--user and --password are required without a valid session")
	}
	rctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	var auth *pb.AuthSuccess
	var err error
	if opts.register {
		auth, err = c.Register(rctx, opts.user, opts.password)
	} else {
		auth, err = c.Login(rctx, opts.user, opts.password)
	}
	if err != nil {
		return err
	}
	slog.Info("logged in", "user", auth.User.Username, "karma", auth.User.Karma)
	return nil
}

func command(ctx context.Context, c *client.Client, opts options, args []string) error {
	rctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	switch args[0] {
	case "posts":
		posts, err := c.FetchPosts(rctx)
		if err != nil {
			return err
		}
		if len(posts) == 0 {
			fmt.Println("no open posts")
		}
		for _, p := range posts {
			printPost(p)
		}
		return nil

	case "post":
		if len(args) < 2 {
			return errors.New("post needs text")
		}
		p, err := c.CreatePost(rctx, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		printPost(p)
		return nil

	case "vote":
		if len(args) != 3 {
			return errors.New("vote needs <id> up|down")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid post id %q", args[1])
		}
		var v pb.Vote
		switch strings.ToLower(args[2]) {
		case "up":
			v = pb.VoteUp
		case "down":
			v = pb.VoteDown
		default:
			return fmt.Errorf("invalid vote %q (want up or down)", args[2])
		}
		return c.Vote(rctx, id, v)

	case "watch":
		return watch(ctx, c)

	case "logout":
		return c.Logout(rctx)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func watch(ctx context.Context, c *client.Client) error {
	fmt.Println("watching for updates, Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.Updates():
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return errors.New("connection closed by server")
			}
			printUpdate(msg)
		}
	}
}

func printPost(p pb.Post) {
	mark := ""
	switch p.Vote {
	case pb.VoteUp:
		mark = " [+]"
	case pb.VoteDown:
		mark = " [-]"
	}
	fmt.Printf("#%d by user %d%s: %s\n", p.ID, p.AuthorID, mark, p.Content)
}

func printUpdate(msg pb.Message) {
	switch m := msg.(type) {
	case *pb.NewPostUpdate:
		fmt.Print("new post ")
		printPost(m.Post)
	case *pb.InvalidUpdate:
		fmt.Printf("closed posts: %v\n", m.PostIDs)
	case *pb.UsersUpdate:
		for _, u := range m.Users {
			fmt.Printf("%s: karma %d, streak %d\n", u.Username, u.Karma, u.Streak)
		}
	default:
		fmt.Printf("update %s\n", pb.TagOf(msg))
	}
}
