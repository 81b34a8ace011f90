package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"socialclient/application"
	"socialclient/infrastructure/config"
	"socialclient/pkg/utils"
)

const usage = `usage: socialcli <command> [args]

commands:
  login <identifier> <password>
  logout
  whoami
  follow <user-id>
  unfollow <user-id>
  like <post-id>
  comment <post-id> <text>
  notifications            print the current page
  tail                     stream notifications until interrupted
`

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	app, err := application.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to assemble client", zap.Error(err))
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Start(ctx)

	if err := run(ctx, app, flag.Args()); err != nil {
		logger.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, app *application.App, args []string) error {
	switch args[0] {
	case "login":
		if len(args) != 3 {
			return fmt.Errorf("login needs an identifier and a password")
		}
		result, err := app.Session.Login(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s\n", result.User.Username)
		return nil

	case "logout":
		app.Session.Logout(ctx)
		fmt.Println("logged out")
		return nil

	case "whoami":
		user := app.Session.CurrentUser()
		if user == nil {
			fmt.Println("not signed in")
			return nil
		}
		fmt.Printf("%s <%s> (id %d)\n", user.Username, user.Email, user.ID)
		return nil

	case "follow", "unfollow":
		if len(args) != 2 {
			return fmt.Errorf("%s needs a user id", args[0])
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[1])
		}
		if args[0] == "follow" {
			err = app.Graph.Follow(ctx, id)
		} else {
			err = app.Graph.Unfollow(ctx, id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("following %d: %v\n", id, app.Graph.IsFollowing(id))
		return nil

	case "like":
		if len(args) != 2 {
			return fmt.Errorf("like needs a post id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid post id %q", args[1])
		}
		if err := app.Engagement.ToggleLike(ctx, id); err != nil {
			return err
		}
		snap := app.Engagement.Snapshot(id)
		fmt.Printf("liked=%v count=%d\n", snap.Liked, snap.LikeCount)
		return nil

	case "comment":
		if len(args) != 3 {
			return fmt.Errorf("comment needs a post id and text")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid post id %q", args[1])
		}
		comment, err := app.Engagement.AddComment(ctx, id, args[2])
		if err != nil {
			return err
		}
		fmt.Printf("comment %d added\n", comment.ID)
		return nil

	case "notifications":
		if err := app.Feed.Poll(ctx); err != nil {
			return err
		}
		printFeed(app)
		return nil

	case "tail":
		if err := app.Feed.Poll(ctx); err != nil {
			return err
		}
		printFeed(app)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		seen := len(app.Feed.Items())
		for {
			select {
			case <-sigCh:
				return nil
			case <-ticker.C:
				items := app.Feed.Items()
				if len(items) > seen {
					for _, n := range items[:len(items)-seen] {
						fmt.Printf("%s  %s: %s\n", utils.TimeAgo(n.CreatedAt), n.Type, n.Message)
					}
					seen = len(items)
				}
			}
		}

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printFeed(app *application.App) {
	items := app.Feed.Items()
	fmt.Printf("%d notifications, %d unread\n", len(items), app.Feed.UnreadCount())
	for _, n := range items {
		marker := " "
		if !n.IsRead {
			marker = "*"
		}
		fmt.Printf("%s %s  %s: %s\n", marker, utils.TimeAgo(n.CreatedAt), n.Type, n.Message)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
